package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lunarclabs/heartline/internal/config"
	"github.com/lunarclabs/heartline/internal/gateway"
	"github.com/lunarclabs/heartline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "heartline",
	Short: "heartline - persona SMS companion backend",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the full service (webhooks + workers + maintenance)",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show heartline status",
	RunE:  runStatus,
}

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Manage personas",
}

var personaAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a persona",
	RunE:  runPersonaAdd,
}

var personaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List personas",
	RunE:  runPersonaList,
}

var personaFlags struct {
	name    string
	slug    string
	phone   string
	tagline string
	prompt  string
	maxFree int
}

func init() {
	personaAddCmd.Flags().StringVar(&personaFlags.name, "name", "", "Display name (required)")
	personaAddCmd.Flags().StringVar(&personaFlags.slug, "slug", "", "URL-safe identifier (required)")
	personaAddCmd.Flags().StringVar(&personaFlags.phone, "phone", "", "Persona's SMS number")
	personaAddCmd.Flags().StringVar(&personaFlags.tagline, "tagline", "", "Short tagline")
	personaAddCmd.Flags().StringVar(&personaFlags.prompt, "prompt", "", "Personality prompt")
	personaAddCmd.Flags().IntVar(&personaFlags.maxFree, "max-free", 0, "Free messages before the hook (default 50)")

	personaCmd.AddCommand(personaAddCmd, personaListCmd)
	rootCmd.AddCommand(serveCmd, onboardCmd, statusCmd, personaCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'heartline onboard' or set HEARTLINE_API_KEY / ANTHROPIC_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(filepath.Join(cfgDir, "data"), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	// Opening the stores creates their schemas.
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	st.Close()

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key and SMS credentials\n", cfgPath)
	fmt.Println("  2. Run 'heartline persona add --name Mara --slug mara --phone +1555...'")
	fmt.Println("  3. Run 'heartline serve'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Printf("API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Printf("Listen: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)

	st, err := openStore(cfg)
	if err != nil {
		fmt.Printf("Store: error (%v)\n", err)
		return nil
	}
	defer st.Close()

	personas, users, turns, err := st.Counts()
	if err != nil {
		fmt.Printf("Store: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Personas: %d\nUsers: %d\nTurns: %d\n", personas, users, turns)
	return nil
}

func runPersonaAdd(cmd *cobra.Command, args []string) error {
	if personaFlags.name == "" || personaFlags.slug == "" {
		return fmt.Errorf("--name and --slug are required")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	p := &store.Persona{
		Name:              personaFlags.name,
		Slug:              personaFlags.slug,
		PhoneNumber:       personaFlags.phone,
		Tagline:           personaFlags.tagline,
		PersonalityPrompt: personaFlags.prompt,
		Active:            true,
		MaxFreeMessages:   personaFlags.maxFree,
	}
	if err := st.CreatePersona(p); err != nil {
		return fmt.Errorf("create persona: %w", err)
	}
	fmt.Printf("Created persona %s (%s) id=%s\n", p.Name, p.Slug, p.ID)
	return nil
}

func runPersonaList(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	personas, err := st.ListPersonas(100)
	if err != nil {
		return fmt.Errorf("list personas: %w", err)
	}
	if len(personas) == 0 {
		fmt.Println("No personas yet. Run 'heartline persona add'.")
		return nil
	}
	for _, p := range personas {
		fmt.Printf("%-12s %-16s %-14s users=%-5d convs=%-6d rate=%.2f\n",
			p.Slug, p.Name, p.PhoneNumber, p.TotalUsers, p.TotalConversations, p.ConversionRate)
	}
	return nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	dbPath := strings.TrimSpace(cfg.Storage.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "heartline.db")
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func maskKey(key string) string {
	if key == "" {
		return "not set"
	}
	if len(key) <= 8 {
		return "set"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}
