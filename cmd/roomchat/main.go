package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/codefionn/roomchat/internal/chatsession"
	"github.com/codefionn/roomchat/internal/config"
	"github.com/codefionn/roomchat/internal/logger"
	"github.com/codefionn/roomchat/internal/roomsapi"
	"github.com/codefionn/roomchat/internal/transport"
	"github.com/codefionn/roomchat/internal/tui"
	"github.com/google/uuid"
	"golang.org/x/term"
)

// cliOptions holds everything parsed from the command line. Empty strings
// mean "use the config file".
type cliOptions struct {
	configPath string
	server     string
	room       string
	userID     string
	username   string
	login      string
	logLevel   string
	listRooms  bool
	createRoom string
	plain      bool
	markdown   bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	opts, parseErr := parseCLIArgs(os.Args[1:])
	if parseErr != nil {
		if errors.Is(parseErr, flag.ErrHelp) {
			return nil
		}
		return parseErr
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if initErr := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); initErr != nil {
		return fmt.Errorf("failed to initialize logger: %w", initErr)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	logger.Info("roomchat starting")
	logger.Debug("Configuration loaded: server=%s, log_level=%s, log_path=%s", cfg.ServerURL, cfg.LogLevel, cfg.LogPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.listRooms || opts.createRoom != "" || opts.login != "" {
		api, err := roomsapi.New(cfg.ServerURL, roomsapi.WithLogger(logger.Global()))
		if err != nil {
			return err
		}
		if opts.createRoom != "" {
			return createRoom(ctx, api, opts.createRoom, os.Stdout)
		}
		if opts.listRooms {
			return listRooms(ctx, api, os.Stdout)
		}
		user, err := login(ctx, api, opts.login)
		if err != nil {
			return err
		}
		cfg.Identity.UserID = user.UserID()
		cfg.Identity.Username = user.Name
	}

	return runChat(ctx, cfg, opts)
}

func parseCLIArgs(args []string) (*cliOptions, error) {
	fs := flag.NewFlagSet("roomchat", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := &cliOptions{}
	fs.StringVar(&opts.configPath, "config", config.GetConfigPath(), "Path to the config file")
	fs.StringVar(&opts.server, "server", "", "Chat server base URL (e.g. http://localhost:3000)")
	fs.StringVar(&opts.room, "room", "", "Room to join")
	fs.StringVar(&opts.userID, "user-id", "", "User id to join as (default: a random id)")
	fs.StringVar(&opts.username, "username", "", "Display name to join as")
	fs.StringVar(&opts.login, "login", "", "Log in with this email and join as that account")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error, none)")
	fs.BoolVar(&opts.listRooms, "list-rooms", false, "List the rooms on the server and exit")
	fs.StringVar(&opts.createRoom, "create-room", "", "Create a room given as id:name and exit")
	fs.BoolVar(&opts.plain, "plain", false, "Line based output instead of the full screen UI")
	fs.BoolVar(&opts.markdown, "markdown", false, "Render message bodies as markdown")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options] [room]\n\n", fs.Name())
		fmt.Fprintln(fs.Output(), "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch remaining := fs.Args(); len(remaining) {
	case 0:
	case 1:
		if opts.room != "" && opts.room != remaining[0] {
			return nil, fmt.Errorf("room given twice: %q and %q", opts.room, remaining[0])
		}
		opts.room = remaining[0]
	default:
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(remaining[1:], " "))
	}

	if opts.createRoom != "" {
		if _, _, err := parseRoomSpec(opts.createRoom); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// applyFlags lets command line values win over the config file and env
func applyFlags(cfg *config.Config, opts *cliOptions) {
	if opts.server != "" {
		cfg.ServerURL = opts.server
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.room != "" {
		cfg.DefaultRoom = opts.room
	}
	if opts.userID != "" {
		cfg.Identity.UserID = opts.userID
	}
	if opts.username != "" {
		cfg.Identity.Username = opts.username
	}
}

// parseRoomSpec splits "id:name". A bare id is also its name.
func parseRoomSpec(spec string) (string, string, error) {
	id, name, found := strings.Cut(strings.TrimSpace(spec), ":")
	id, name = strings.TrimSpace(id), strings.TrimSpace(name)
	if id == "" {
		return "", "", fmt.Errorf("invalid room %q: id is required", spec)
	}
	if !found || name == "" {
		name = id
	}
	return id, name, nil
}

// resolveIdentity fills in a random user id when none is configured
func resolveIdentity(cfg *config.Config) (chatsession.Identity, error) {
	id := chatsession.Identity{
		UserID:   strings.TrimSpace(cfg.Identity.UserID),
		Username: strings.TrimSpace(cfg.Identity.Username),
	}
	if id.Username == "" {
		return id, errors.New("a username is required (use -username or -login)")
	}
	if id.UserID == "" {
		id.UserID = uuid.NewString()
	}
	return id, nil
}

func transportOptions(cfg *config.Config) transport.Options {
	return transport.Options{
		HandshakeTimeout: cfg.HandshakeTimeout(),
		WriteTimeout:     cfg.WriteTimeout(),
		MaxMessageSize:   cfg.Transport.MaxMessageBytes,
	}
}

func listRooms(ctx context.Context, api *roomsapi.Client, out io.Writer) error {
	rooms, err := api.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rooms: %w", err)
	}
	if len(rooms) == 0 {
		fmt.Fprintln(out, "No rooms yet.")
		return nil
	}
	for _, room := range rooms {
		fmt.Fprintf(out, "%s\t%s\n", room.ID, room.Name)
	}
	return nil
}

func createRoom(ctx context.Context, api *roomsapi.Client, spec string, out io.Writer) error {
	id, name, err := parseRoomSpec(spec)
	if err != nil {
		return err
	}
	room, err := api.CreateRoom(ctx, id, name)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	fmt.Fprintf(out, "Created room %s (%s)\n", room.ID, room.Name)
	return nil
}

func login(ctx context.Context, api *roomsapi.Client, email string) (roomsapi.User, error) {
	password, err := promptForPassword("Password for " + email + ": ")
	if err != nil {
		return roomsapi.User{}, err
	}
	user, err := api.Login(ctx, email, password)
	if err != nil {
		return roomsapi.User{}, fmt.Errorf("login failed: %w", err)
	}
	logger.Info("logged in as %s (%s)", user.Name, user.UserID())
	return user, nil
}

func promptForPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(fd) {
		bytes, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(bytes)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func runChat(ctx context.Context, cfg *config.Config, opts *cliOptions) error {
	room := strings.TrimSpace(cfg.DefaultRoom)
	if room == "" {
		return errors.New("no room given (use -room, a positional argument or default_room in the config)")
	}
	id, err := resolveIdentity(cfg)
	if err != nil {
		return err
	}

	plain := opts.plain || !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd()))
	logger.Info("Joining %s as %s (plain=%v)", room, id.Username, plain)

	session, events, err := joinRoom(ctx, cfg, room, id)
	if err != nil {
		return err
	}

	uiOpts := tui.Options{Markdown: opts.markdown, Events: events}
	if plain {
		return tui.RunPlain(ctx, session, uiOpts, os.Stdin, os.Stdout)
	}
	return tui.Run(session, uiOpts)
}

// joinRoom joins with an event buffer already subscribed, so the UI sees the
// first handshake even when it ends before the UI starts
func joinRoom(ctx context.Context, cfg *config.Config, room string, id chatsession.Identity) (*chatsession.Session, *tui.EventBuffer, error) {
	events := tui.NewEventBuffer()
	session, err := chatsession.Join(room, id,
		chatsession.WithBaseURL(cfg.ServerURL),
		chatsession.WithLogger(logger.Global()),
		chatsession.WithContext(ctx),
		chatsession.WithTransportOptions(transportOptions(cfg)),
		chatsession.WithSubscriber(events.Push),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to join %s: %w", room, err)
	}
	return session, events, nil
}
