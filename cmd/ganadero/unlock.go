package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/andresdvelez/ganadero-sub001/internal/identity"
	"github.com/andresdvelez/ganadero-sub001/internal/ui"
)

var initProfileCmd = &cobra.Command{
	Use:     "init-profile",
	GroupID: "advanced",
	Short:   "Create the encryption profile for this device",
	Long: `Create an identity profile. Snapshot payloads are encrypted at rest with
a key derived from the passcode; the queue itself stays readable so sync can
run without the passcode held in memory long-term.

This cannot be undone without losing encrypted snapshots.`,
	Run: func(cmd *cobra.Command, args []string) {
		if _, err := identity.LoadProfile(profilePath()); err == nil {
			fmt.Fprintln(os.Stderr, "Error: a profile already exists")
			os.Exit(1)
		}

		passcode, err := readPasscode("Choose a passcode: ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		confirm, err := readPasscode("Confirm passcode: ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if passcode != confirm {
			fmt.Fprintln(os.Stderr, "Error: passcodes do not match")
			os.Exit(1)
		}

		profile, err := identity.NewProfile(passcode)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := identity.SaveProfile(profilePath(), profile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s profile created\n", ui.Pass("✓"))
		fmt.Println(ui.Dim("run 'ganadero unlock' to start a session"))
	},
}

var unlockCmd = &cobra.Command{
	Use:     "unlock",
	GroupID: "advanced",
	Short:   "Unlock encrypted data for this session",
	Long: `Verify the passcode and write a session key so subsequent commands can
read encrypted snapshots. The session key lives in the data directory with
owner-only permissions until 'ganadero lock' removes it.`,
	Run: func(cmd *cobra.Command, args []string) {
		profile, err := identity.LoadProfile(profilePath())
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(os.Stderr, "Error: no profile exists; run 'ganadero init-profile' first")
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}

		passcode, err := readPasscode("Passcode: ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		key, err := profile.Unlock(passcode)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := os.MkdirAll(filepath.Dir(sessionPath()), 0700); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(sessionPath(), key, 0600); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to write session key: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s unlocked\n", ui.Pass("✓"))
	},
}

var lockCmd = &cobra.Command{
	Use:     "lock",
	GroupID: "advanced",
	Short:   "End the unlocked session",
	Run: func(cmd *cobra.Command, args []string) {
		if err := os.Remove(sessionPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s locked\n", ui.Pass("✓"))
	},
}

// readPasscode prompts without echo when stdin is a terminal.
func readPasscode(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(syscall.Stdin)) {
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read passcode: %w", err)
		}
		return string(raw), nil
	}
	var line string
	if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
		return "", fmt.Errorf("failed to read passcode: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func init() {
	rootCmd.AddCommand(initProfileCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(lockCmd)
}
