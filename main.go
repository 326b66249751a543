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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"github.com/quiltapp/satchel/log"
	"github.com/quiltapp/satchel/pkg/cache"
	"github.com/quiltapp/satchel/pkg/cache/blob"
	"github.com/quiltapp/satchel/pkg/cache/index/bbolt"
	"github.com/quiltapp/satchel/pkg/queue"
)

var mainLog = log.GetLogger("main")

const indexFileName = "index.db"

// env holds everything the subcommands need, opened lazily per invocation.
type env struct {
	cfg     *cache.Config
	idx     *bbolt.Index
	manager *cache.Manager
	queue   *queue.Queue
}

func openEnv(c *cli.Context) (*env, error) {
	cfgPath := c.GlobalString("config")
	cfg, err := cache.LoadConfig(cfgPath)
	if err != nil {
		if errors.Is(err, cache.ErrConfigMissing) {
			return nil, fmt.Errorf("wrote config template to %s, edit it and re-run", cfgPath)
		}
		return nil, err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	dir := cfg.EffectiveCacheDir(home, c.GlobalString("account"))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	idx, err := bbolt.Open(filepath.Join(dir, indexFileName), bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	blobs, err := blob.NewStore(filepath.Join(dir, "media"), blob.WithHTTPClient(&http.Client{
		Timeout: time.Duration(cfg.Media.DownloadTimeoutSec) * time.Second,
	}))
	if err != nil {
		idx.Close()
		return nil, err
	}

	manager, err := cache.NewManager(idx, blobs, cfg.MaxBytes())
	if err != nil {
		idx.Close()
		return nil, err
	}

	q, err := queue.New(queue.Config{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		BaseRetryDelay: cfg.BaseRetry(),
		MaxRetryDelay:  cfg.MaxRetry(),
	}, idx)
	if err != nil {
		idx.Close()
		return nil, err
	}

	return &env{cfg: cfg, idx: idx, manager: manager, queue: q}, nil
}

func (e *env) close() {
	if err := e.idx.Close(); err != nil {
		mainLog.Errorf("close index: %v", err)
	}
}

func withEnv(fn func(ctx context.Context, e *env) error) func(*cli.Context) error {
	return func(c *cli.Context) error {
		e, err := openEnv(c)
		if err != nil {
			return err
		}
		defer e.close()
		return fn(context.Background(), e)
	}
}

func usageCommand() cli.Command {
	return cli.Command{
		Name:  "usage",
		Usage: "show cache byte usage and item counts",
		Action: withEnv(func(ctx context.Context, e *env) error {
			usage, err := e.manager.Usage(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "total bytes\t%d\n", usage.TotalBytes)
			fmt.Fprintf(w, "data bytes\t%d\n", usage.DataBytes)
			fmt.Fprintf(w, "media bytes\t%d\n", usage.MediaBytes)
			fmt.Fprintf(w, "items\t%d\n", usage.ItemCount)
			fmt.Fprintf(w, "budget bytes\t%d\n", e.cfg.MaxBytes())
			return w.Flush()
		}),
	}
}

func queueCommand() cli.Command {
	return cli.Command{
		Name:  "queue",
		Usage: "inspect or reset the offline action queue",
		Subcommands: []cli.Command{
			{
				Name:  "list",
				Usage: "list pending actions in replay order",
				Action: withEnv(func(ctx context.Context, e *env) error {
					actions, err := e.queue.List(ctx)
					if err != nil {
						return err
					}
					if len(actions) == 0 {
						fmt.Println("queue is empty")
						return nil
					}
					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tATTEMPT\tNEXT ATTEMPT\tLAST ERROR")
					for _, a := range actions {
						fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
							a.ID, a.Type, a.Status, a.Attempt, a.MaxAttempts,
							a.NextAttemptAt.Format(time.RFC3339), a.LastError)
					}
					return w.Flush()
				}),
			},
			{
				Name:  "clear",
				Usage: "discard all pending actions",
				Action: withEnv(func(ctx context.Context, e *env) error {
					if err := e.queue.Clear(ctx); err != nil {
						return err
					}
					fmt.Println("queue cleared")
					return nil
				}),
			},
		},
	}
}

func evictCommand() cli.Command {
	return cli.Command{
		Name:  "evict",
		Usage: "run one eviction pass against the byte budget",
		Action: withEnv(func(ctx context.Context, e *env) error {
			report, err := e.manager.Evictor().RunOnce(ctx)
			if err != nil && !errors.Is(err, cache.ErrBudgetNotMet) {
				return err
			}
			fmt.Printf("freed %d bytes (%d entries, %d media, %d expired); usage %d -> %d\n",
				report.BytesFreed, len(report.EvictedKeys), len(report.EvictedMedia),
				len(report.Expired), report.TotalBefore, report.TotalAfter)
			if errors.Is(err, cache.ErrBudgetNotMet) {
				mainLog.Warnf("cache still over budget after eviction")
			}
			return nil
		}),
	}
}

func clearCommand() cli.Command {
	return cli.Command{
		Name:  "clear",
		Usage: "remove all cached data, media, and queued actions",
		Action: withEnv(func(ctx context.Context, e *env) error {
			if err := e.manager.ClearPrefix(ctx, ""); err != nil {
				return err
			}
			media, err := e.idx.ListMediaLRU(ctx, 0)
			if err != nil {
				return err
			}
			for _, m := range media {
				if err := e.manager.RemoveMediaByID(ctx, m.ID); err != nil {
					return err
				}
			}
			if err := e.queue.Clear(ctx); err != nil {
				return err
			}
			fmt.Println("cache cleared")
			return nil
		}),
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "satchel.yaml"
	}
	return filepath.Join(home, ".satchel", "satchel.yaml")
}

func main() {
	app := cli.NewApp()
	app.Name = "satchel"
	app.Usage = "offline cache and sync queue maintenance"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "path to satchel config file",
			Value: defaultConfigPath(),
		},
		cli.StringFlag{
			Name:  "account",
			Usage: "account id whose cache directory to operate on",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "log level (debug, info, warn, error)",
			Value: "info",
		},
	}
	app.Before = func(c *cli.Context) error {
		log.SetConfig(&log.Config{
			Level:  c.GlobalString("log-level"),
			Format: "console",
			Color:  true,
		})
		return nil
	}
	app.Commands = []cli.Command{
		usageCommand(),
		queueCommand(),
		evictCommand(),
		clearCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		mainLog.Errorf("%v", err)
		os.Exit(1)
	}
}
