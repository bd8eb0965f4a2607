package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chatsync/internal/api"
	"chatsync/internal/config"
	"chatsync/internal/engine"
	"chatsync/internal/model"
	"chatsync/internal/notify"
	"chatsync/internal/session"
	"chatsync/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Terminal chat client with live room sync",
	RunE:  runChat,
}

var (
	flagServerURL string
	flagWSURL     string
	flagUser      string
	flagPass      string
	flagRoom      int64
	flagSignup    bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagServerURL, "server", "", "backend base URL (default from CHAT_BASE_URL)")
	flags.StringVar(&flagWSURL, "ws", "", "websocket URL (default derived from the base URL)")
	flags.StringVar(&flagUser, "user", "", "username")
	flags.StringVar(&flagPass, "pass", "", "password")
	flags.Int64Var(&flagRoom, "room", 0, "room id to open")
	flags.BoolVar(&flagSignup, "signup", false, "register the account before logging in")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(cfg.LogLevel()).With().Timestamp().Logger()

	if flagUser == "" || flagPass == "" {
		return fmt.Errorf("--user and --pass are required")
	}
	if flagRoom <= 0 {
		return fmt.Errorf("--room is required")
	}

	sess := session.New()
	client := api.NewClient(cfg.Server.BaseURL, sess, nil, log)

	if flagSignup {
		if err := client.Signup(ctx, flagUser, flagPass); err != nil {
			return fmt.Errorf("signup: %w", err)
		}
	}
	if err := client.Login(ctx, flagUser, flagPass); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	log.Info().Str("user", sess.Viewer()).Int64("room", flagRoom).Msg("logged in")

	feed := notify.NewFeed(notify.Config{
		Viewer:      sess.Viewer(),
		ViewerID:    sess.ViewerID(),
		Backend:     client,
		Transport:   transport.NewChannel(cfg.Server.WSURL, 0, log),
		Logger:      log,
		BackoffBase: cfg.BackoffBase(),
		BackoffMax:  cfg.BackoffMax(),
		OnMention: func(m notify.Mention) {
			fmt.Printf("\n* %s mentioned you in room %d: %s\n", m.From, m.RoomID, m.Content)
		},
	})
	go feed.Run(ctx)
	defer feed.Close()

	es := engine.NewSession(engine.Config{
		RoomID:      flagRoom,
		Viewer:      sess.Viewer(),
		ViewerID:    sess.ViewerID(),
		Backend:     client,
		Transport:   transport.NewChannel(cfg.Server.WSURL, flagRoom, log),
		Logger:      log,
		BackoffBase: cfg.BackoffBase(),
		BackoffMax:  cfg.BackoffMax(),
		OnAuthRequired: func(err error) {
			log.Error().Err(err).Msg("session expired, exiting")
			stop()
		},
	})
	go es.Run(ctx)
	defer es.Close()

	unsub := es.Subscribe(func() { render(es) })
	defer unsub()

	go readCommands(ctx, stop, es, log)

	<-ctx.Done()
	fmt.Println("\nbye")
	return nil
}

// loadConfig reads the environment config, with flags taking precedence.
func loadConfig() (*config.Config, error) {
	if flagServerURL != "" {
		os.Setenv("CHAT_BASE_URL", flagServerURL)
	}
	if flagWSURL != "" {
		os.Setenv("CHAT_WS_URL", flagWSURL)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("no server configured, set --server or CHAT_BASE_URL: %w", err)
	}
	return cfg, nil
}

// render prints the room view after any state change. Plain stdout; the
// terminal is the UI.
func render(es *engine.Session) {
	msgs := es.VisibleMessages()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	line := fmt.Sprintf("[%d] %s: %s", last.ID, last.Sender, last.Content)
	if last.ThreadRootID != nil {
		line += fmt.Sprintf(" (reply to %d)", *last.ThreadRootID)
	}
	if groups := es.Reactions(last.ID); len(groups) > 0 {
		parts := make([]string, 0, len(groups))
		for _, g := range groups {
			parts = append(parts, fmt.Sprintf("%s x%d", g.Emoji, len(g.Users)))
		}
		line += "  {" + strings.Join(parts, " ") + "}"
	}
	fmt.Println(line)
}

// readCommands is the stdin loop. Plain lines are sent as messages;
// /-prefixed lines are commands.
func readCommands(ctx context.Context, stop func(), es *engine.Session, log zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := es.SendMessage(ctx, line, nil, mentionsIn(line)); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit":
			stop()
			return
		case "/react":
			if len(fields) != 3 {
				fmt.Println("usage: /react <message-id> <emoji>")
				continue
			}
			id, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				fmt.Println("usage: /react <message-id> <emoji>")
				continue
			}
			if err := es.SendReaction(ctx, id, fields[2]); err != nil {
				fmt.Printf("! reaction failed: %v\n", err)
			}
		case "/reply":
			if len(fields) < 3 {
				fmt.Println("usage: /reply <message-id> <text>")
				continue
			}
			id, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				fmt.Println("usage: /reply <message-id> <text>")
				continue
			}
			text := strings.Join(fields[2:], " ")
			if err := es.SendMessage(ctx, text, &id, mentionsIn(text)); err != nil {
				fmt.Printf("! reply failed: %v\n", err)
			}
		case "/revoke":
			id, ok := singleID(fields, "/revoke <message-id>")
			if !ok {
				continue
			}
			if err := es.Revoke(ctx, id); err != nil {
				fmt.Printf("! revoke refused: %v\n", err)
			}
		case "/hide":
			id, ok := singleID(fields, "/hide <message-id>")
			if !ok {
				continue
			}
			if err := es.Hide(ctx, id); err != nil {
				fmt.Printf("! hide failed: %v\n", err)
			}
		case "/readers":
			id, ok := singleID(fields, "/readers <message-id>")
			if !ok {
				continue
			}
			fmt.Printf("read by: %s\n", strings.Join(es.Readers(id), ", "))
		case "/members":
			fmt.Printf("members: %s\n", strings.Join(es.Members(), ", "))
		case "/history":
			for _, m := range es.VisibleMessages() {
				fmt.Printf("[%d] %s: %s\n", m.ID, m.Sender, m.Content)
			}
		default:
			fmt.Println("commands: /react /reply /revoke /hide /readers /members /history /quit")
		}
	}
}

func singleID(fields []string, usage string) (int64, bool) {
	if len(fields) != 2 {
		fmt.Println("usage: " + usage)
		return 0, false
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		fmt.Println("usage: " + usage)
		return 0, false
	}
	return id, true
}

// mentionsIn extracts @name tokens so the backend can route mention
// notifications.
func mentionsIn(text string) []model.UserID {
	var out []model.UserID
	for _, f := range strings.Fields(text) {
		if len(f) > 1 && f[0] == '@' {
			out = append(out, model.UserID(strings.TrimRight(f[1:], ".,!?:;")))
		}
	}
	return out
}
