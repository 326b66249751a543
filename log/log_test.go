// Copyright 2026 Quilt App, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func resetAfter(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		SetConfig(DefaultConfig)
		SetOutput(os.Stderr)
	})
}

func TestSetOutputRedirectsExistingHandles(t *testing.T) {
	resetAfter(t)

	h := GetLogger("redirect-test")
	var buf bytes.Buffer
	SetOutput(&buf)

	h.Infof("hello %s", "there")
	if !strings.Contains(buf.String(), "hello there") {
		t.Fatalf("expected redirected output, got %q", buf.String())
	}
}

func TestSetConfigAppliesToLiveAndFutureHandles(t *testing.T) {
	resetAfter(t)

	live := GetLogger("config-live")
	var buf bytes.Buffer
	SetOutput(&buf)

	SetConfig(&Config{Level: "warn", Format: "json"})

	live.Infof("below level")
	if buf.Len() != 0 {
		t.Fatalf("info must be suppressed at warn level, got %q", buf.String())
	}

	live.Warnf("live warning")
	if !strings.Contains(buf.String(), "live warning") {
		t.Fatalf("expected warning from reconfigured handle, got %q", buf.String())
	}

	buf.Reset()
	fresh := GetLogger("config-fresh")
	fresh.Warnf("fresh warning")
	out := buf.String()
	if !strings.Contains(out, "fresh warning") || !strings.Contains(out, `"module":"config-fresh"`) {
		t.Fatalf("expected json output with module field, got %q", out)
	}
}

func TestHandleEReportsError(t *testing.T) {
	resetAfter(t)

	h := GetLogger("e-test")
	var buf bytes.Buffer
	SetOutput(&buf)

	if h.E(nil) {
		t.Fatal("nil error must report false")
	}
	if buf.Len() != 0 {
		t.Fatalf("nil error must log nothing, got %q", buf.String())
	}

	if !h.E(errors.New("disk full")) {
		t.Fatal("non-nil error must report true")
	}
	if !strings.Contains(buf.String(), "disk full") {
		t.Fatalf("expected error message logged, got %q", buf.String())
	}
}

func TestHandleSetLevelAffectsOnlyThatHandle(t *testing.T) {
	resetAfter(t)

	quiet := GetLogger("level-quiet")
	loud := GetLogger("level-loud")
	var buf bytes.Buffer
	SetOutput(&buf)

	quiet.SetLevel(zerolog.ErrorLevel)
	quiet.Infof("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("info must be suppressed after SetLevel(error), got %q", buf.String())
	}

	loud.Infof("still audible")
	if !strings.Contains(buf.String(), "still audible") {
		t.Fatalf("other handles must keep their level, got %q", buf.String())
	}
}
