package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/AeyeOps/sitesync/internal/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(newConfigShowCommand())
	return cmd
}

func newConfigShowCommand() *cobra.Command {
	var (
		format string
		paths  bool
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration for this invocation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			normalized := strings.ToLower(strings.TrimSpace(format))
			if normalized != "yaml" && normalized != "json" {
				return fmt.Errorf("format must be 'yaml' or 'json'")
			}

			app, err := loadApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if paths {
				if len(app.cfg.LoadedFrom) > 0 {
					errln(cmd, "Loaded configuration from:")
					for _, entry := range app.cfg.LoadedFrom {
						errln(cmd, "- %s", entry)
					}
				}
				if viper.GetString("config") != "" {
					errln(cmd, "Mode: replace-by-default")
				} else {
					errln(cmd, "Config precedence (when --config is not provided):")
					errln(cmd, "1) ./%s (or the built-in default if missing)", config.DefaultConfigPath)
					errln(cmd, "2) ./%s (optional)", config.LocalConfigPath)
				}
			}

			rendered, err := yaml.Marshal(app.cfg)
			if err != nil {
				return err
			}
			if normalized == "json" {
				// Round-trip through YAML so both formats show the same view.
				var doc map[string]any
				if err := yaml.Unmarshal(rendered, &doc); err != nil {
					return err
				}
				return printJSON(cmd, doc)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(rendered))
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format (yaml or json)")
	cmd.Flags().BoolVar(&paths, "paths", false, "Explain configuration precedence and selected inputs")
	return cmd
}

// Starter config document, in the key order a hand-written config would use.
type starterDomain struct {
	AllowPaths []string `yaml:"allow_paths,omitempty"`
	DenyPaths  []string `yaml:"deny_paths,omitempty"`
}

type starterSource struct {
	Name           string                   `yaml:"name"`
	StartURLs      []string                 `yaml:"start_urls"`
	AllowedDomains map[string]starterDomain `yaml:"allowed_domains"`
	Depth          int                      `yaml:"depth"`
	ParallelAgents int                      `yaml:"parallel_agents"`
	PagesPerAgent  int                      `yaml:"pages_per_agent"`
	Fetcher        string                   `yaml:"fetcher"`
	FetcherOptions map[string]any           `yaml:"fetcher_options"`
}

type starterCrawler struct {
	FetchTimeoutSeconds *float64 `yaml:"fetch_timeout_seconds"`
}

type starterConfig struct {
	Version       int             `yaml:"version"`
	DefaultSource string          `yaml:"default_source"`
	Crawler       starterCrawler  `yaml:"crawler"`
	Sources       []starterSource `yaml:"sources"`
}

func newInitCommand() *cobra.Command {
	var (
		path  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively create a starter configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, path, force)
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Path to write the generated configuration (default: config/local.yaml)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite the destination file if it already exists")
	return cmd
}

func runInit(cmd *cobra.Command, path string, force bool) error {
	if !isTTY() {
		return errors.New("init requires an interactive terminal")
	}

	destination := path
	if destination == "" {
		value, err := promptString("Config path", config.LocalConfigPath)
		if err != nil {
			return err
		}
		destination = value
	}
	destination = expandUser(strings.TrimSpace(destination))
	if !filepath.IsAbs(destination) {
		abs, err := filepath.Abs(destination)
		if err != nil {
			return err
		}
		destination = abs
	}

	if info, err := os.Stat(destination); err == nil && info.IsDir() {
		destination = filepath.Join(destination, "config", "local.yaml")
		errln(cmd, "Config path is a directory; writing %s", destination)
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return err
	}

	if _, err := os.Stat(destination); err == nil && !force {
		confirm := promptui.Prompt{
			Label:     fmt.Sprintf("%s already exists. Overwrite?", destination),
			IsConfirm: true,
		}
		if _, err := confirm.Run(); err != nil {
			return errors.New("aborted")
		}
	}

	sourceName, err := promptString("Source name", "default")
	if err != nil {
		return err
	}
	sourceName = strings.TrimSpace(sourceName)
	if sourceName == "" {
		sourceName = "default"
	}

	startURLs, err := promptStartURLs(cmd)
	if err != nil {
		return err
	}
	derived := deriveDomains(startURLs)

	domainList, err := promptAllowedDomains(cmd, derived)
	if err != nil {
		return err
	}
	allowedDomains := make(map[string]starterDomain, len(domainList))
	for _, domain := range domainList {
		allowPaths, err := promptPathList("Allow", domain)
		if err != nil {
			return err
		}
		denyPaths, err := promptPathList("Deny", domain)
		if err != nil {
			return err
		}
		allowedDomains[domain] = starterDomain{AllowPaths: allowPaths, DenyPaths: denyPaths}
	}

	depth, err := promptInt("Depth", 5, 0, "Depth must be >= 0")
	if err != nil {
		return err
	}
	parallelAgents, err := promptInt("Parallel agents", 4, 1, "Parallel agents must be >= 1")
	if err != nil {
		return err
	}
	pagesPerAgent, err := promptInt("Pages per agent", 5, 1, "Pages per agent must be >= 1")
	if err != nil {
		return err
	}
	fetchTimeout, err := promptFloat("Fetch timeout seconds (0 to disable)", 20.0, 0, "Fetch timeout seconds must be >= 0")
	if err != nil {
		return err
	}

	fetcherSelect := promptui.Select{
		Label: "Fetcher",
		Items: []string{"http", "null"},
	}
	_, fetcher, err := fetcherSelect.Run()
	if err != nil {
		return err
	}

	var timeoutValue *float64
	if fetchTimeout > 0 {
		timeoutValue = &fetchTimeout
	}
	doc := starterConfig{
		Version:       1,
		DefaultSource: sourceName,
		Crawler:       starterCrawler{FetchTimeoutSeconds: timeoutValue},
		Sources: []starterSource{{
			Name:           sourceName,
			StartURLs:      startURLs,
			AllowedDomains: allowedDomains,
			Depth:          depth,
			ParallelAgents: parallelAgents,
			PagesPerAgent:  pagesPerAgent,
			Fetcher:        fetcher,
			FetcherOptions: map[string]any{},
		}},
	}

	rendered, err := yaml.Marshal(&doc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(destination, rendered, 0o644); err != nil {
		return fmt.Errorf("unable to write configuration to %s: %w", destination, err)
	}
	outln(cmd, "Wrote %s", destination)
	return nil
}

func promptStartURLs(cmd *cobra.Command) ([]string, error) {
	for {
		var urls []string
		for {
			value, err := promptString("Start URL (enter blank to finish)", "")
			if err != nil {
				return nil, err
			}
			value = strings.TrimSpace(value)
			if value == "" {
				break
			}
			urls = append(urls, value)
		}
		if len(urls) > 0 {
			return urls, nil
		}
		outln(cmd, "At least one start URL is required.")
	}
}

// deriveDomains extracts unique lowercased hostnames from the seed URLs to
// offer as allowed-domain defaults.
func deriveDomains(startURLs []string) []string {
	var domains []string
	seen := make(map[string]bool)
	for _, raw := range startURLs {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Hostname() == "" {
			continue
		}
		normalized := strings.ToLower(strings.TrimSpace(parsed.Hostname()))
		if normalized != "" && !seen[normalized] {
			seen[normalized] = true
			domains = append(domains, normalized)
		}
	}
	return domains
}

func promptAllowedDomains(cmd *cobra.Command, derived []string) ([]string, error) {
	for {
		var domains []string
		for _, fallback := range derived {
			value, err := promptString("Allowed domain (blank to finish)", fallback)
			if err != nil {
				return nil, err
			}
			value = strings.TrimSpace(value)
			if value == "" {
				break
			}
			domains = append(domains, strings.ToLower(value))
		}
		for {
			value, err := promptString("Allowed domain (blank to finish)", "")
			if err != nil {
				return nil, err
			}
			value = strings.TrimSpace(value)
			if value == "" {
				break
			}
			domains = append(domains, strings.ToLower(value))
		}
		if len(domains) > 0 {
			return domains, nil
		}
		outln(cmd, "At least one allowed domain is required.")
	}
}

func promptPathList(label, domain string) ([]string, error) {
	value, err := promptString(
		fmt.Sprintf("%s paths for %s (comma-separated; exact by default, use /path/** for subtree)", label, domain), "")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			paths = append(paths, trimmed)
		}
	}
	return paths, nil
}

func promptString(label, fallback string) (string, error) {
	prompt := promptui.Prompt{
		Label:     label,
		Default:   fallback,
		AllowEdit: true,
	}
	return prompt.Run()
}

func promptInt(label string, fallback, minimum int, requirement string) (int, error) {
	prompt := promptui.Prompt{
		Label:     label,
		Default:   strconv.Itoa(fallback),
		AllowEdit: true,
		Validate: func(input string) error {
			n, err := strconv.Atoi(strings.TrimSpace(input))
			if err != nil {
				return errors.New("enter a whole number")
			}
			if n < minimum {
				return errors.New(requirement)
			}
			return nil
		},
	}
	value, err := prompt.Run()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(value))
}

func promptFloat(label string, fallback float64, minimum float64, requirement string) (float64, error) {
	prompt := promptui.Prompt{
		Label:     label,
		Default:   strconv.FormatFloat(fallback, 'f', -1, 64),
		AllowEdit: true,
		Validate: func(input string) error {
			n, err := strconv.ParseFloat(strings.TrimSpace(input), 64)
			if err != nil {
				return errors.New("enter a number")
			}
			if n < minimum {
				return errors.New(requirement)
			}
			return nil
		},
	}
	value, err := prompt.Run()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(value), 64)
}

// expandUser replaces a leading ~ with the current user's home directory.
func expandUser(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
