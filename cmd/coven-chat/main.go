// ABOUTME: Entry point for the coven-chat messaging server
// ABOUTME: Serves conversations over REST and WebSocket, plus setup and token helpers

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

// defaultTokenTTL is used by the token command when --ttl is not given.
const defaultTokenTTL = 30 * 24 * time.Hour

const banner = `
                                           _           _
  ___ _____   _____ _ __         ___| |__   __ _| |_
 / __/ _ \ \ / / _ \ '_ \ _____ / __| '_ \ / _' | __|
| (_| (_) \ V /  __/ | | |_____| (__| | | | (_| | |_
 \___\___/ \_/ \___|_| |_|      \___|_| |_|\__,_|\__|
`

// getConfigPath returns the path to the chat config file.
// Priority: COVEN_CHAT_CONFIG env var > XDG_CONFIG_HOME/coven/chat.yaml > ~/.config/coven/chat.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_CHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "chat.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func usage() {
	fmt.Println("Usage: coven-chat <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                         Start the chat server")
	fmt.Println("  init                          Create a new config file interactively")
	fmt.Println("  token --user ID [--ttl 720h]  Issue a bearer token for a user")
	fmt.Println("  health                        Check server health")
	fmt.Println("  version                       Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
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

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s ", cfg.Server.GRPCAddr)
		gray.Println("(health)")
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting coven-chat",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
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

// tokenArgs holds the parsed flags of the token command.
type tokenArgs struct {
	userID string
	ttl    time.Duration
}

// parseTokenArgs accepts both "--flag value" and "--flag=value".
func parseTokenArgs(args []string) (tokenArgs, error) {
	parsed := tokenArgs{ttl: defaultTokenTTL}

	var ttlRaw string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--user", "-u", "--ttl":
			if !hasValue {
				if i+1 >= len(args) {
					return tokenArgs{}, fmt.Errorf("%s requires a value", name)
				}
				value = args[i+1]
				i++
			}
			if name == "--ttl" {
				ttlRaw = value
			} else {
				parsed.userID = strings.TrimSpace(value)
			}
		default:
			if strings.HasPrefix(arg, "-") {
				return tokenArgs{}, fmt.Errorf("unknown flag: %s", arg)
			}
			return tokenArgs{}, fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if parsed.userID == "" {
		return tokenArgs{}, fmt.Errorf("--user flag is required")
	}
	if ttlRaw != "" {
		ttl, err := time.ParseDuration(ttlRaw)
		if err != nil {
			return tokenArgs{}, fmt.Errorf("invalid --ttl: %w", err)
		}
		if ttl <= 0 {
			return tokenArgs{}, fmt.Errorf("--ttl must be positive")
		}
		parsed.ttl = ttl
	}
	return parsed, nil
}

// runToken prints a signed bearer token for the given user. Tokens are
// accepted on the REST API and, via ?token=, on the WebSocket endpoint.
func runToken(args []string) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(parsed.userID, parsed.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// generateSecret returns a random base64 secret long enough for HS256.
func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

// renderConfig produces the YAML written by init.
func renderConfig(httpAddr, grpcAddr, dbPath, jwtSecret, logLevel, logFormat string) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-chat configuration\n")
	cfg.WriteString("# Generated by coven-chat init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	if grpcAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", grpcAddr))
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", jwtSecret))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", config.DefaultMetricsPath))
	cfg.WriteString("\n")

	cfg.WriteString("messaging:\n")
	cfg.WriteString(fmt.Sprintf("  session_buffer: %d\n", config.DefaultSessionBuffer))
	cfg.WriteString(fmt.Sprintf("  write_timeout: %q\n", config.DefaultWriteTimeout))
	cfg.WriteString(fmt.Sprintf("  ping_interval: %q\n", config.DefaultPingInterval))
	cfg.WriteString(fmt.Sprintf("  dedupe_ttl: %q\n", config.DefaultDedupeTTL))
	cfg.WriteString("\n")

	cfg.WriteString("notifications:\n")
	cfg.WriteString("  store: true\n")
	cfg.WriteString(fmt.Sprintf("  timeout: %q\n", config.DefaultNotifyTimeout))

	return cfg.String()
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-chat configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)
	grpcAddr := ""
	if yes(prompt(reader, "Serve gRPC health checks?", "no")) {
		grpcAddr = prompt(reader, "gRPC address", "localhost:50051")
	}

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "chat.db"))

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	jwtSecret, err := generateSecret()
	if err != nil {
		return err
	}

	content := renderConfig(httpAddr, grpcAddr, dbPath, jwtSecret, logLevel, logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds the signing secret.
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	fmt.Println()
	green.Printf("  ✓ Config written to %s\n", outputFile)
	green.Printf("  ✓ Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  coven-chat serve")
	fmt.Println("  coven-chat token --user alice")

	return nil
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
