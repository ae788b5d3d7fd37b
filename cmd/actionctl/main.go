package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/minhharry/voiceassistant/internal/catalog"
	"github.com/minhharry/voiceassistant/internal/config"
	"github.com/minhharry/voiceassistant/internal/llm"
	"github.com/minhharry/voiceassistant/internal/runtime"
	"github.com/minhharry/voiceassistant/internal/selector"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'classify', 'prompt' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:])
	case "classify":
		err = runClassify(os.Args[2:])
	case "prompt":
		err = runPrompt(os.Args[2:])
	case "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	path := fs.String("file", "actions.yaml", "Path to action catalog")
	_ = fs.Parse(args)

	c, err := catalog.Load(*path)
	if err != nil {
		return err
	}
	if err := catalog.Validate(c); err != nil {
		return err
	}
	fmt.Printf("catalog valid: %d actions\n", len(c.Actions))
	return nil
}

// loadSelectorConfig applies the classify/prompt flags over the node config.
func loadSelectorConfig(fs *flag.FlagSet, args []string) (config.Config, *bool, error) {
	configPath := fs.String("config", "", "Path to configuration file")
	catalogPath := fs.String("catalog", "", "Path to action catalog (built-in when empty)")
	strategy := fs.String("strategy", "", "Selector strategy override")
	verbose := fs.Bool("v", false, "Log prompts and replies")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, nil, err
	}
	if *catalogPath != "" {
		cfg.Actions.CatalogPath = *catalogPath
	}
	if *strategy != "" {
		cfg.Selector.Strategy = *strategy
	}
	cfg.Debug.Enabled = *verbose
	return cfg, verbose, nil
}

func runClassify(args []string) error {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	cfg, verbose, err := loadSelectorConfig(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: actionctl classify [flags] <command text>...")
	}
	logger := newLogger(*verbose)

	c, err := runtime.LoadCatalog(cfg.Actions)
	if err != nil {
		return err
	}
	// handlers are not bound: classification only
	set, err := c.ActionSet(nil)
	if err != nil {
		return err
	}
	var gen llm.Generator
	if strategy, _ := selector.ParseStrategy(cfg.Selector.Strategy); strategy.UsesLLM() {
		if gen, err = runtime.NewGenerator(cfg.LLM, logger); err != nil {
			return err
		}
	}
	sel, err := runtime.NewSelector(cfg, gen, set, logger)
	if err != nil {
		return err
	}

	for _, text := range fs.Args() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		res, err := sel.GenerateAction(ctx, text)
		cancel()
		if err != nil {
			fmt.Printf("%s\t%s\terror: %v\n", text, res.Name(), err)
			continue
		}
		fmt.Printf("%s\t%s\n", text, res.Name())
	}
	return nil
}

func runPrompt(args []string) error {
	fs := flag.NewFlagSet("prompt", flag.ExitOnError)
	cfg, verbose, err := loadSelectorConfig(fs, args)
	if err != nil {
		return err
	}
	logger := newLogger(*verbose)
	c, err := runtime.LoadCatalog(cfg.Actions)
	if err != nil {
		return err
	}
	set, err := c.ActionSet(nil)
	if err != nil {
		return err
	}
	// prompts are built locally; the model is never called
	sel, err := runtime.NewSelector(cfg, llm.NewMockGenerator(""), set, logger)
	if err != nil {
		return err
	}
	src, ok := sel.(selector.PromptSource)
	if !ok {
		return fmt.Errorf("strategy %s does not use a prompt", cfg.Selector.Strategy)
	}
	fmt.Println(src.Prompt())
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
