package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/njoerd114/placesync/internal/notify"
	"github.com/njoerd114/placesync/internal/setup"
)

func runSetup(args []string) error {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := newLogger(*verbose)

	ping := func(ctx context.Context, url, token string) error {
		n, err := notify.NewHomeAssistant(url, token, notify.Options{}, logger)
		if err != nil {
			return err
		}
		return n.Ping(ctx)
	}
	wiz := setup.NewWizard(os.Stdin, os.Stdout, *cfgPath, ping, logger)
	if _, err := wiz.Run(context.Background()); err != nil {
		return err
	}

	if runtime.GOOS != "darwin" {
		fmt.Println("  Background install is only available on macOS.")
		fmt.Println("  Run manually with: placesync daemon")
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	agent := setup.NewAgent(home, *cfgPath)
	install := func() error {
		fmt.Printf("  Installing binary to %s...\n", setup.BinaryInstallPath())
		if err := setup.InstallBinary(); err != nil {
			return err
		}
		return agent.Install()
	}
	return wiz.OfferInstall(install, agent.LogDir())
}

func runUninstall(args []string) error {
	fs := flag.NewFlagSet("uninstall", flag.ExitOnError)
	cfgPath, _ := commonFlags(fs)
	purge := fs.Bool("purge", false, "also remove config, state DB and logs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	agent := setup.NewAgent(home, *cfgPath)
	if err := agent.Uninstall(*purge); err != nil {
		return err
	}
	fmt.Println("✓ Background agent removed")

	if err := setup.RemoveBinary(); err != nil {
		return fmt.Errorf("removing binary: %w", err)
	}
	fmt.Printf("✓ Removed %s\n", setup.BinaryInstallPath())
	if *purge {
		fmt.Println("✓ Config, state DB and logs removed")
	}
	return nil
}
