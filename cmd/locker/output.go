package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"locker-go/internal/app"
	"locker-go/internal/config"
	"locker-go/internal/locker"
	"locker-go/internal/model"
)

const (
	// envPassphrase lets scripts supply the key passphrase without a terminal.
	envPassphrase = "LOCKER_PASSPHRASE"
	envUser       = "LOCKER_USER"
)

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func actorName(id string) string {
	if id == "" {
		return "-"
	}
	return id
}

func printConfig(cfg *config.Config) {
	fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
	fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
	fmt.Printf("Database:    %s\n", cfg.Database.Type)
	fmt.Printf("Blob Store:  %s\n", cfg.BlobStore.Type)
	fmt.Printf("Staging:     %s (max %s, %s)\n", cfg.Staging.Type, humanize.IBytes(uint64(cfg.Staging.MaxSize)), cfg.Staging.Hash)
	fmt.Printf("Encryption:  %s\n", cfg.Encryption.Type)
	fmt.Printf("Retention:   %s\n", cfg.Trash.Retention)
}

func printEntry(e *model.FileEntry) {
	if e.IsFolder {
		fmt.Printf("%s  %8s  %-24s  %s/\n", e.ID, "-", "", e.Name)
		return
	}
	fmt.Printf("%s  %8s  %-24s  %s\n", e.ID, humanize.IBytes(uint64(e.Size)), e.MimeType, e.Name)
}

func printTrashEntry(e *model.FileEntry) {
	name := e.Name
	if e.IsFolder {
		name += "/"
	}
	fmt.Printf("%s  deleted %s  %s\n", e.ID, humanize.Time(e.DeletedAt.Time), name)
}

func printShare(s *model.Share) {
	var target string
	switch {
	case s.IsPublic:
		target = "public link " + s.Token.String
		if s.PasswordHash.Valid {
			target += " (password)"
		}
	case s.GranteeUserID.Valid:
		target = "user " + s.GranteeUserID.String
	default:
		target = "email " + s.GranteeEmail.String
	}
	expiry := "never expires"
	if s.ExpiresAt.Valid {
		expiry = "expires " + humanize.Time(s.ExpiresAt.Time)
	}
	fmt.Printf("%s  %-5s  %s  %s\n", s.ID, s.Permission, target, expiry)
}

func printReport(r *locker.ReconcileReport, dryRun bool) {
	verb := "Removed"
	if dryRun {
		verb = "Would remove"
	}
	fmt.Printf("Checked %d blob(s)\n", r.BlobsChecked)
	fmt.Printf("Reference counts repaired: %d\n", r.CountsRepaired)
	fmt.Printf("%s %d unreferenced blob(s) and %d orphan(s)\n", verb, r.BlobsRemoved, r.OrphansRemoved)
	for _, h := range r.MissingBytes {
		fmt.Printf("MISSING %s\n", h)
	}
}

// readPassphrase returns $LOCKER_PASSPHRASE or prompts on the terminal.
func readPassphrase(prompt string) (string, error) {
	if v := os.Getenv(envPassphrase); v != "" {
		return v, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal for passphrase prompt; set " + envPassphrase)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

func readNewPassphrase() (string, error) {
	first, err := readPassphrase("New passphrase: ")
	if err != nil {
		return "", err
	}
	if os.Getenv(envPassphrase) != "" {
		return first, nil
	}
	second, err := readPassphrase("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passphrases do not match")
	}
	if first == "" {
		return "", errors.New("empty passphrase")
	}
	return first, nil
}

// unlock prompts for the key passphrase when encryption is enabled.
func unlock(a *app.LockerApp) error {
	if !a.EncryptionEnabled() {
		return nil
	}
	passphrase, err := readPassphrase("Passphrase: ")
	if err != nil {
		return err
	}
	if err := a.Unlock(passphrase); err != nil {
		return fmt.Errorf("unlocking key: %w", err)
	}
	return nil
}
