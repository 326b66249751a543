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

package syncer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"

	"github.com/quiltapp/satchel/pkg/cache/index"
	"github.com/quiltapp/satchel/pkg/queue"
)

// API is the backend surface queued actions are replayed against. The real
// implementation wraps the REST client; tests substitute fakes.
type API interface {
	ReactToPost(ctx context.Context, postID, reactionType string) error
	CreateComment(ctx context.Context, postID, body string) error
	LikeComment(ctx context.Context, commentID string) error
	DeleteNotification(ctx context.Context, notificationID string) error
	UpdateProfile(ctx context.Context, fields map[string]any) error
	DeletePost(ctx context.Context, postID string) error
}

// ChatClient sends messages for replayed chat actions. It is optional; when
// nil, chat actions fail permanently.
type ChatClient interface {
	SendMessage(ctx context.Context, channelType, channelID, text string) error
}

// StatusError is a response the server returned and rejected. The request
// reached the backend, so connectivity was fine.
type StatusError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server rejected request: status %d", e.Code)
	}
	return fmt.Sprintf("server rejected request: status %d: %s", e.Code, e.Message)
}

// Permanent reports whether retrying the identical payload is pointless.
// Client errors are permanent except the throttling and timeout statuses.
func (e *StatusError) Permanent() bool {
	if e.Code == 408 || e.Code == 429 {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// IsConnectivityError reports whether err means the request never received a
// response: the action should be queued for later instead of surfaced.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// dispatch routes one queued action to the matching backend call. Unknown
// types and missing payload fields are permanent failures.
func dispatch(ctx context.Context, api API, chat ChatClient, action index.Action) error {
	switch action.Type {
	case queue.TypePostReaction:
		postID, err := stringField(action, "post_id")
		if err != nil {
			return err
		}
		reaction, err := stringField(action, "reaction_type")
		if err != nil {
			return err
		}
		return api.ReactToPost(ctx, postID, reaction)

	case queue.TypeCommentCreate:
		postID, err := stringField(action, "post_id")
		if err != nil {
			return err
		}
		body, err := stringField(action, "body")
		if err != nil {
			return err
		}
		return api.CreateComment(ctx, postID, body)

	case queue.TypeCommentLike:
		commentID, err := stringField(action, "comment_id")
		if err != nil {
			return err
		}
		return api.LikeComment(ctx, commentID)

	case queue.TypeNotificationDelete:
		notificationID, err := stringField(action, "notification_id")
		if err != nil {
			return err
		}
		return api.DeleteNotification(ctx, notificationID)

	case queue.TypeChatMessageSend:
		if chat == nil {
			return queue.PermanentError{Err: errors.New("no chat client available for chat_message_send")}
		}
		channelType, err := stringField(action, "channel_type")
		if err != nil {
			return err
		}
		channelID, err := stringField(action, "channel_id")
		if err != nil {
			return err
		}
		text, err := stringField(action, "text")
		if err != nil {
			return err
		}
		return chat.SendMessage(ctx, channelType, channelID, text)

	case queue.TypeUserProfileUpdate:
		return api.UpdateProfile(ctx, action.Payload)

	case queue.TypePostDelete:
		postID, err := stringField(action, "post_id")
		if err != nil {
			return err
		}
		return api.DeletePost(ctx, postID)

	default:
		return queue.PermanentError{Err: fmt.Errorf("unrecognized action type %q", action.Type)}
	}
}

func stringField(action index.Action, key string) (string, error) {
	v, ok := action.Payload[key]
	if !ok {
		return "", queue.PermanentError{Err: fmt.Errorf("%s action %s: payload missing %q", action.Type, action.ID, key)}
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", queue.PermanentError{Err: fmt.Errorf("%s action %s: payload field %q is not a string", action.Type, action.ID, key)}
	}
	return s, nil
}

// Outbox is the optimistic write path used by UI call sites: call the
// backend directly when online, enqueue silently when the device is known
// offline or the call fails for connectivity reasons.
type Outbox struct {
	api    API
	chat   ChatClient
	queue  *queue.Queue
	online func() bool
	logger Logger
}

// NewOutbox wires the write path. online is typically netstate's IsOnline.
func NewOutbox(api API, chat ChatClient, q *queue.Queue, online func() bool, logger Logger) *Outbox {
	if online == nil {
		online = func() bool { return true }
	}
	return &Outbox{api: api, chat: chat, queue: q, online: online, logger: logger}
}

// Submit applies the action now if possible, otherwise queues it for the
// next sync pass. Server rejections are returned to the caller; only
// connectivity failures are swallowed into the queue.
func (o *Outbox) Submit(ctx context.Context, actionType string, payload map[string]any) error {
	if !o.online() {
		return o.enqueue(ctx, actionType, payload)
	}

	err := dispatch(ctx, o.api, o.chat, index.Action{Type: actionType, Payload: payload})
	if err == nil {
		return nil
	}
	if IsConnectivityError(err) {
		if o.logger != nil {
			o.logger.Debugf("outbox: %s failed with connectivity error, queueing: %v", actionType, err)
		}
		return o.enqueue(ctx, actionType, payload)
	}
	return err
}

func (o *Outbox) enqueue(ctx context.Context, actionType string, payload map[string]any) error {
	if _, err := o.queue.Enqueue(ctx, actionType, payload); err != nil {
		return fmt.Errorf("outbox: queue %s: %w", actionType, err)
	}
	return nil
}
