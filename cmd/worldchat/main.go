package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/devXprite/world-chatapp/internal/auth"
	"github.com/devXprite/world-chatapp/internal/config"
	"github.com/devXprite/world-chatapp/internal/domain"
	"github.com/devXprite/world-chatapp/internal/repository"
	"github.com/devXprite/world-chatapp/internal/service"
	"github.com/devXprite/world-chatapp/internal/session"
	"github.com/devXprite/world-chatapp/internal/store"
	"github.com/devXprite/world-chatapp/pkg/database"
	pkglog "github.com/devXprite/world-chatapp/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Client: "worldchat"})
	logger := pkglog.L()

	logger.Info().Str("backend", cfg.Backend).Msg("starting worldchat")

	// User directory
	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open user directory")
	}

	authSvc, err := auth.NewService(db, cfg.Auth)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create auth service")
	}

	// Chat + presence backends
	var msglog repository.MessageLog
	var pstore store.PresenceStore

	switch cfg.Backend {
	case "memory":
		msglog = repository.NewMemoryMessageLog()
		pstore = store.NewMemoryPresenceStore()
	default:
		redisLog, err := repository.NewRedisMessageLog(repository.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect message log")
		}
		msglog = redisLog

		// Second client: a Redis connection in subscriber mode cannot run
		// other commands, and presence subscribes independently of chat.
		redisStore, err := store.NewRedisPresenceStore(store.RedisConfig{
			Address:           cfg.Redis.Address,
			Password:          cfg.Redis.Password,
			DB:                cfg.Redis.DB,
			HeartbeatInterval: cfg.Presence.HeartbeatInterval,
			HeartbeatTimeout:  cfg.Presence.HeartbeatTimeout,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect presence store")
		}
		pstore = redisStore
	}
	defer msglog.Close()

	// Open the session: explicit name from argv, or resume the stored one.
	name := ""
	if len(os.Args) > 1 {
		name = strings.TrimSpace(os.Args[1])
	}

	ctx := context.Background()
	sess, err := session.Open(ctx, session.Deps{
		Auth:     authSvc,
		Log:      msglog,
		Store:    pstore,
		Chat:     cfg.Chat,
		Presence: service.PresenceConfig{TypingDebounce: cfg.Presence.TypingDebounce},
	}, name)
	if err != nil {
		if errors.Is(err, domain.ErrAuth) && name == "" {
			fmt.Fprintln(os.Stderr, "no stored session - usage: worldchat <name>")
			os.Exit(1)
		}
		logger.Fatal().Err(err).Msg("failed to open session")
	}

	user := sess.CurrentUser()
	fmt.Printf("connected as %s (%d online) - /more /who /quit\n", user.Name, sess.OnlineCount())
	printMessages(sess.Messages(), 10)

	// Render new messages as they arrive
	renderCtx, renderCancel := context.WithCancel(ctx)
	go renderLoop(renderCtx, sess)

	// Read commands and chat lines from stdin
	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		inputLoop(ctx, sess)
	}()

	// Wait for /quit or shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-inputDone:
	}

	logger.Info().Msg("shutting down worldchat")
	renderCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := sess.Logout(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("logout incomplete")
	}

	logger.Info().Msg("worldchat stopped")
}

func inputLoop(ctx context.Context, sess *session.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/more":
			fetched, err := sess.LoadMoreHistory(ctx)
			if err != nil {
				fmt.Printf("! %v\n", err)
				continue
			}
			if !fetched {
				fmt.Println("(no older messages)")
				continue
			}
			printMessages(sess.Messages(), 20)
		case line == "/who":
			users := sess.OnlineUsers()
			fmt.Printf("%d online:\n", len(users))
			for _, u := range users {
				flag := ""
				if u.IsTyping {
					flag = " (typing)"
				}
				fmt.Printf("  %s%s\n", u.Name, flag)
			}
		default:
			sess.SetTypingHint(ctx, true)
			if err := sess.SendMessage(ctx, line); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

func renderLoop(ctx context.Context, sess *session.Session) {
	seen := make(map[string]struct{})
	for _, msg := range sess.Messages() {
		seen[msg.ID] = struct{}{}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Updates():
		}
		for _, msg := range sess.Messages() {
			if _, ok := seen[msg.ID]; ok {
				continue
			}
			seen[msg.ID] = struct{}{}
			printMessage(msg)
		}
	}
}

func printMessages(msgs []domain.Message, tail int) {
	if len(msgs) > tail {
		msgs = msgs[len(msgs)-tail:]
	}
	for _, msg := range msgs {
		printMessage(msg)
	}
}

func printMessage(msg domain.Message) {
	country := ""
	if msg.UserCountry != nil {
		country = " [" + *msg.UserCountry + "]"
	}
	fmt.Printf("%s %s%s: %s\n", msg.Timestamp.Local().Format("15:04"), msg.UserName, country, msg.Content)
}
