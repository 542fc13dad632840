// ABOUTME: Entry point for the coven-chat direct messaging server
// ABOUTME: Subcommands serve, init, token, user add and health

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/gateway"
	"github.com/2389/coven-chat/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                        _           _
  ___ _____   _____ _ __         ___| |__   __ _| |_
 / __/ _ \ \ / / _ \ '_ \ _____ / __| '_ \ / _' | __|
| (_| (_) \ V /  __/ | | |_____| (__| | | | (_| | |_
 \___\___/ \_/ \___|_| |_|      \___|_| |_|\__,_|\__|
`

const defaultConfigPath = "config.yaml"

func usage() {
	fmt.Println("Usage: coven-chat <command> [--config PATH]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the chat server")
	fmt.Println("  init                           Write a default config file")
	fmt.Println("  token --user ID [--ttl 24h]    Mint a JWT for a user")
	fmt.Println("  user add --id ID --name NAME   Register a user in the directory")
	fmt.Println("  health                         Check server health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "token":
		err = runToken(args)
	case "user":
		err = runUser(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags reads "--name value" and "--name=value" pairs. Only names in
// allowed are accepted.
func parseFlags(args []string, allowed ...string) (map[string]string, error) {
	known := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		known[name] = true
	}

	values := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		values[name] = value
	}
	return values, nil
}

// configPath resolves the config file: --config, then COVEN_CHAT_CONFIG, then ./config.yaml.
func configPath(flags map[string]string) string {
	if p := flags["config"]; p != "" {
		return p
	}
	if p := os.Getenv("COVEN_CHAT_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

func loadConfig(flags map[string]string) (*config.Config, string, error) {
	path := configPath(flags)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "config")
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, path, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Presence:  %s", cfg.Presence.Backend)
	if cfg.Redis.Relay {
		yellow.Print(" [relay]")
	}
	fmt.Println()
	if cfg.Kafka.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Kafka:     %s ", cfg.Kafka.Topic)
		gray.Printf("(%s)\n", strings.Join(cfg.Kafka.Brokers, ","))
	}
	fmt.Println()

	logger.Info("starting coven-chat",
		"config", path,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runInit(args []string) error {
	flags, err := parseFlags(args, "config")
	if err != nil {
		return err
	}
	path := configPath(flags)

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config file: %w", err)
	}

	if err := os.WriteFile(path, []byte(config.DefaultYAML), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Wrote %s\n\n", path)
	fmt.Println("Set the signing secret before starting the server:")
	fmt.Println()
	color.New(color.FgCyan).Printf("  export COVEN_CHAT_JWT_SECRET=%s\n", base64.StdEncoding.EncodeToString(secret))
	return nil
}

func runToken(args []string) error {
	flags, err := parseFlags(args, "config", "user", "ttl")
	if err != nil {
		return err
	}
	userID := strings.TrimSpace(flags["user"])
	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}

	cfg, _, err := loadConfig(flags)
	if err != nil {
		return err
	}

	ttl := cfg.Auth.TokenTTL
	if raw := flags["ttl"]; raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing --ttl: %w", err)
		}
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(userID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runUser(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "add" {
		return fmt.Errorf("usage: coven-chat user add --id ID --name NAME [--type user|company] [--bio TEXT]")
	}
	flags, err := parseFlags(args[1:], "config", "id", "name", "type", "bio", "avatar", "role")
	if err != nil {
		return err
	}
	user, err := userFromFlags(flags)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: cfg.Logging.Format}, os.Stderr)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(shutdownCtx)
	}()

	registered, err := gw.Conversation().RegisterUser(ctx, user)
	if err != nil {
		return fmt.Errorf("registering user: %w", err)
	}

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("%s (%s) %s\n", registered.ID, registered.Type, registered.Name)
	return nil
}

// userFromFlags builds the profile for "user add".
func userFromFlags(flags map[string]string) (*store.User, error) {
	id := strings.TrimSpace(flags["id"])
	name := strings.TrimSpace(flags["name"])
	if id == "" {
		return nil, fmt.Errorf("--id flag is required")
	}
	if name == "" {
		return nil, fmt.Errorf("--name flag is required")
	}
	if len(name) > 100 {
		return nil, fmt.Errorf("name exceeds maximum length of 100 characters")
	}

	userType := store.UserTypePerson
	switch flags["type"] {
	case "", string(store.UserTypePerson):
	case string(store.UserTypeCompany):
		userType = store.UserTypeCompany
	default:
		return nil, fmt.Errorf("unknown user type: %s", flags["type"])
	}

	return &store.User{
		ID:        id,
		Type:      userType,
		Name:      name,
		Bio:       flags["bio"],
		AvatarURL: flags["avatar"],
		Role:      flags["role"],
	}, nil
}

func runHealth(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "config")
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig(flags)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
