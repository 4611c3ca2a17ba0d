// ABOUTME: Admin CLI for dock-gateway operators
// ABOUTME: Mints user tokens and manages devices, authority, and DRC audit

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/airhive/dock-gateway/internal/auth"
	"github.com/airhive/dock-gateway/internal/config"
	"github.com/airhive/dock-gateway/internal/store"
	"github.com/airhive/dock-gateway/internal/ws"
)

const banner = `
     _            _                    _           _
  __| | ___   ___| | __       __ _  __| |_ __ ___ (_)_ __
 / _' |/ _ \ / __| |/ /_____ / _' |/ _' | '_ ' _ \| | '_ \
| (_| | (_) | (__|   <_____| (_| | (_| | | | | | | | | | |
 \__,_|\___/ \___|_|\_\     \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "token":
		err = cmdToken(args)
	case "devices":
		err = cmdDevices(args)
	case "authority":
		err = cmdAuthority(args)
	case "drc":
		err = cmdDrcRecords(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: dock-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  token create             Mint a user JWT")
	fmt.Println("  devices                  List devices in a workspace")
	fmt.Println("  devices list             List devices in a workspace")
	fmt.Println("  devices add              Register a device")
	fmt.Println("  authority grant          Grant control authority over a device")
	fmt.Println("  authority revoke         Revoke control authority")
	fmt.Println("  drc <sn>                 Show DRC session audit rows for a device")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  DOCK_CONFIG              Config file path (default: ~/.config/dock-gateway/gateway.yaml)")
	fmt.Println("  DOCK_DB_PATH             Database path override")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  dock-admin token create --user u-1 --workspace ws-1 --type pilot")
	fmt.Println("  dock-admin devices add --sn 7CTDL3 --workspace ws-1 --nickname 'roof dock'")
	fmt.Println("  dock-admin authority grant --sn 7CTDL3 --user u-1")
	fmt.Println("  dock-admin drc 7CTDL3")
	fmt.Println()
}

// getConfigPath mirrors the server binary's config resolution.
func getConfigPath() string {
	if envPath := os.Getenv("DOCK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "dock-gateway", "gateway.yaml")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// openStore opens the gateway database read-write. The CLI shares the file
// with a running server; SQLite WAL mode makes that safe.
func openStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("DOCK_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	return store.NewSQLiteStore(dbPath)
}

// argValue scans for "--flag value" style arguments.
func argValue(args []string, names ...string) string {
	for i := 0; i < len(args)-1; i++ {
		for _, n := range names {
			if args[i] == n {
				return args[i+1]
			}
		}
	}
	return ""
}

func parseUserType(s string) (ws.UserType, error) {
	switch s {
	case "", "web":
		return ws.UserTypeWeb, nil
	case "pilot":
		return ws.UserTypePilot, nil
	case "dock":
		return ws.UserTypeDock, nil
	default:
		return 0, fmt.Errorf("unknown user type %q (want web, pilot, or dock)", s)
	}
}

func cmdToken(args []string) error {
	if len(args) < 1 || args[0] != "create" {
		return fmt.Errorf("usage: token create --user <id> --workspace <id> [--type web|pilot|dock] [--username <name>]")
	}
	args = args[1:]

	userID := argValue(args, "--user", "-u")
	workspaceID := argValue(args, "--workspace", "-w")
	username := argValue(args, "--username")
	if username == "" {
		username = userID
	}
	userType, err := parseUserType(argValue(args, "--type", "-t"))
	if err != nil {
		return err
	}
	if userID == "" || workspaceID == "" {
		return fmt.Errorf("usage: token create --user <id> --workspace <id> [--type web|pilot|dock]")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tokens := auth.NewJWTService([]byte(cfg.Auth.JWTSecret))
	token, err := tokens.Issue(auth.Claims{
		UserID:      userID,
		Username:    username,
		WorkspaceID: workspaceID,
		UserType:    int(userType),
	}, cfg.Auth.UserTokenTTL)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	fmt.Println()
	green.Println("  Token created successfully")
	fmt.Println()
	cyan.Println("  User:       " + userID)
	cyan.Println("  Workspace:  " + workspaceID)
	cyan.Println("  Type:       " + userType.String())
	cyan.Println("  Expires:    " + time.Now().Add(cfg.Auth.UserTokenTTL).Format(time.RFC3339))
	fmt.Println()
	fmt.Println("  Token (keep this secret!):")
	fmt.Println()
	fmt.Println("  " + token)
	fmt.Println()

	return nil
}

func cmdDevices(args []string) error {
	sub := "list"
	if len(args) > 0 && (args[0] == "list" || args[0] == "add") {
		sub = args[0]
		args = args[1:]
	}
	if sub == "add" {
		return cmdDevicesAdd(args)
	}
	return cmdDevicesList(args)
}

func cmdDevicesList(args []string) error {
	workspaceID := argValue(args, "--workspace", "-w")
	if workspaceID == "" {
		return fmt.Errorf("usage: devices list --workspace <id>")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	devices, err := s.ListDevices(context.Background(), workspaceID)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Devices in " + workspaceID)
	cyan.Println("  ----------" + "--------")

	if len(devices) == 0 {
		fmt.Println("  (no devices registered)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  SN\tNICKNAME\tTYPE\tONLINE\tLAST SEEN")
	fmt.Fprintln(w, "  --\t--------\t----\t------\t---------")
	for _, d := range devices {
		online := "no"
		if d.Online {
			online = "yes"
		}
		lastSeen := ""
		if !d.LastSeenAt.IsZero() {
			lastSeen = d.LastSeenAt.Format("Jan 02 15:04")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", d.Serial, d.Nickname, d.ProductType, online, lastSeen)
	}
	w.Flush()
	fmt.Println()

	return nil
}

func cmdDevicesAdd(args []string) error {
	serial := argValue(args, "--sn", "-s")
	workspaceID := argValue(args, "--workspace", "-w")
	if serial == "" || workspaceID == "" {
		return fmt.Errorf("usage: devices add --sn <serial> --workspace <id> [--nickname <name>] [--product <type>]")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	err = s.UpsertDevice(context.Background(), &store.Device{
		Serial:      serial,
		WorkspaceID: workspaceID,
		Nickname:    argValue(args, "--nickname", "-n"),
		ProductType: argValue(args, "--product", "-p"),
	})
	if err != nil {
		return fmt.Errorf("registering device: %w", err)
	}

	color.Green("Registered %s in %s\n", serial, workspaceID)
	return nil
}

func cmdAuthority(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: authority grant|revoke --sn <serial> --user <id>")
	}
	sub := args[0]
	args = args[1:]

	serial := argValue(args, "--sn", "-s")
	userID := argValue(args, "--user", "-u")
	if serial == "" || userID == "" {
		return fmt.Errorf("usage: authority %s --sn <serial> --user <id>", sub)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	switch sub {
	case "grant":
		if err := s.GrantControlAuthority(ctx, serial, userID); err != nil {
			return fmt.Errorf("granting authority: %w", err)
		}
		color.Green("Granted %s control over %s\n", userID, serial)
	case "revoke":
		if err := s.RevokeControlAuthority(ctx, serial, userID); err != nil {
			return fmt.Errorf("revoking authority: %w", err)
		}
		color.Green("Revoked %s control over %s\n", userID, serial)
	default:
		return fmt.Errorf("unknown authority subcommand: %s", sub)
	}

	return nil
}

func cmdDrcRecords(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: drc <sn> [--limit <n>]")
	}
	serial := args[0]

	limit := 20
	if v := argValue(args[1:], "--limit", "-l"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid limit: %w", err)
		}
		limit = n
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	records, err := s.ListDrcRecords(context.Background(), serial, limit)
	if err != nil {
		return fmt.Errorf("listing drc records: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Control sessions for " + serial)
	cyan.Println("  ---------------------" + "--------")

	if len(records) == 0 {
		fmt.Println("  (no sessions recorded)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  USER\tENTERED\tEXITED\tREASON")
	fmt.Fprintln(w, "  ----\t-------\t------\t------")
	for _, r := range records {
		exited := "(active)"
		reason := ""
		if r.ExitedAt != nil {
			exited = r.ExitedAt.Format("Jan 02 15:04:05")
			reason = r.ExitReason
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", r.UserID, r.EnteredAt.Format("Jan 02 15:04:05"), exited, reason)
	}
	w.Flush()
	fmt.Println()

	return nil
}
