package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"hollow/internal/api"
	"hollow/internal/chat"
	"hollow/internal/config"
	"hollow/internal/content"
	"hollow/internal/media"
	"hollow/internal/models"
	"hollow/internal/session"
	"hollow/internal/store"
	"hollow/internal/stub"
	"hollow/internal/ws"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	email := flag.String("email", "", "Account email to log in with")
	password := flag.String("password", "", "Account password")
	withStub := flag.Bool("stub", false, "Run the built-in stub backend and connect to it")
	stubAddr := flag.String("stub-addr", "127.0.0.1:8080", "Listen address for the stub backend")
	flag.Parse()

	// Optional; a missing .env file is not an error.
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	g, gCtx := errgroup.WithContext(ctx)

	if *withStub {
		srv := &http.Server{
			Addr:    *stubAddr,
			Handler: stub.New("hollow-dev-secret", logger).Handler(),
		}
		g.Go(func() error {
			log.Printf("Stub backend listening on %s", *stubAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if os.Getenv("HOLLOW_API_URL") == "" {
			os.Setenv("HOLLOW_API_URL", "http://"+*stubAddr)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if *email == "" || *password == "" {
		return errors.New("both -email and -password are required")
	}

	sess := session.New()
	client := api.New(cfg.APIBaseURL, sess.Token, cfg.HTTPTimeout)

	token, err := client.Login(gCtx, *email, *password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	sess.SetToken(token)
	log.Printf("Logged in as user %d", sess.UserID())

	manager, err := ws.NewManager(ws.Config{
		BaseURL:     cfg.APIBaseURL,
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	var cache *store.Store
	if cfg.CachePath != "" {
		cache, err = store.Open(cfg.CachePath)
		if err != nil {
			return fmt.Errorf("open message cache: %w", err)
		}
		defer func() { _ = cache.Close() }()
	}

	var avatars *media.Cache
	if cfg.MediaCacheDir != "" {
		avatars, err = media.NewCache(cfg.MediaCacheDir, client.R())
		if err != nil {
			return fmt.Errorf("open media cache: %w", err)
		}
	}

	svc, err := chat.New(gCtx, chat.Config{
		Realtime:        manager,
		API:             client,
		Cache:           cache,
		SelfID:          sess.UserID,
		ConversationTTL: cfg.ConversationTTL,
		UnreadTTL:       cfg.UnreadTTL,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	selfID := sess.UserID()
	unsub := manager.OnMessage(func(env models.Envelope) {
		switch env.Type {
		case models.EventMessage:
			if env.Message != nil {
				fmt.Printf("[%d] %s\n", env.Message.SenderID, content.Sanitize(env.Message.Content))
			}
		case models.EventTyping:
			fmt.Printf("[%d] is typing...\n", env.From)
		case models.EventRead:
			fmt.Printf("[%d] read message %d\n", env.From, env.MessageID)
		}
	})
	defer unsub()

	manager.Connect(token)
	defer manager.Disconnect()

	g.Go(func() error {
		return inputLoop(gCtx, svc, avatars, cfg.MediaBaseURL, selfID)
	})

	g.Go(func() error {
		<-gCtx.Done()
		// Unblocks the process even while the input loop waits on stdin.
		os.Stdin.Close()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// inputLoop is a minimal terminal frontend. Lines look like "12: hello"
// to message user 12; /list, /history <id> and /unread cover the read side.
func inputLoop(ctx context.Context, svc *chat.Service, avatars *media.Cache, mediaBase string, selfID int64) error {
	fmt.Println(`Commands: "<user-id>: <text>" to send, /list, /history <user-id>, /unread, /quit`)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return context.Canceled

		case line == "/list":
			convs, err := svc.Conversations(ctx)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			for _, c := range convs {
				fmt.Printf("[%d] %s (%d unread): %s\n",
					c.OtherUser.ID, c.OtherUser.Nickname, c.UnreadCount, content.Sanitize(c.LastMessage))
				if avatars != nil && c.OtherUser.AvatarURL != "" {
					// Warm the avatar cache in the background so a UI layer
					// reading the same directory gets hits.
					go func(url string) {
						if _, _, err := avatars.Get(ctx, url); err != nil {
							slog.Debug("avatar prefetch failed", "url", url, "error", err)
						}
					}(media.ResolveURL(mediaBase, c.OtherUser.AvatarURL))
				}
			}

		case line == "/unread":
			count, err := svc.UnreadCount(ctx)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("%d unread\n", count)

		case strings.HasPrefix(line, "/history "):
			peerID, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "/history ")), 10, 64)
			if err != nil {
				fmt.Println("usage: /history <user-id>")
				continue
			}
			msgs, err := svc.History(ctx, peerID, 1, 50)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				msgs = svc.Recent(peerID, 50)
			}
			for _, m := range msgs {
				fmt.Printf("%s [%d] %s\n",
					m.CreatedAt.Local().Format("15:04"), m.SenderID, content.Sanitize(m.Content))
			}

		default:
			peer, text, found := strings.Cut(line, ":")
			if !found {
				fmt.Println("unrecognized input; try /list or \"<user-id>: <text>\"")
				continue
			}
			peerID, err := strconv.ParseInt(strings.TrimSpace(peer), 10, 64)
			if err != nil || peerID == selfID {
				fmt.Println("invalid recipient")
				continue
			}
			msg, err := svc.Send(ctx, peerID, strings.TrimSpace(text))
			if err != nil {
				fmt.Printf("send failed: %v\n", err)
				continue
			}
			if msg != nil {
				fmt.Printf("sent via REST as message %d\n", msg.ID)
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
