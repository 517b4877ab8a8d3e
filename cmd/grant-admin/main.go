/**
 * @description
 * Operator command that grants or revokes the admin role of an existing user.
 * It reads the same configuration as the server, shows the user and asks for
 * confirmation before changing anything.
 *
 * Usage:
 *   grant-admin [--revoke] [--yes] <username>
 *
 * Example:
 *   grant-admin alice
 *   grant-admin --revoke alice
 */

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/fabio-anzola/websec-BadBank/internal/config"
	"github.com/fabio-anzola/websec-BadBank/internal/domain"
	"github.com/fabio-anzola/websec-BadBank/internal/store"
)

func main() {
	revoke := flag.Bool("revoke", false, "revoke the admin role instead of granting it")
	assumeYes := flag.BoolP("yes", "y", false, "do not ask for confirmation")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: grant-admin [--revoke] [--yes] <username>")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *revoke, *assumeYes, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "grant-admin: %v\n", err)
		os.Exit(1)
	}
}

func run(username string, revoke, assumeYes bool, in io.Reader, out io.Writer) error {
	// Load environment variables from .env files if they exist
	for _, file := range []string{"../.env", ".env"} {
		_ = godotenv.Load(file)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, err := store.Open(ctx, store.Options{
		Driver:      cfg.StoreDriver,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()

	return changeRole(ctx, repo, domain.NormalizeUsername(username), revoke, assumeYes, in, out)
}

func changeRole(ctx context.Context, repo store.UserRepository, username string, revoke, assumeYes bool, in io.Reader, out io.Writer) error {
	user, err := repo.FindUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return fmt.Errorf("no user named %q", username)
		}
		return err
	}

	target := domain.RoleAdmin
	if revoke {
		target = domain.RoleCustomer
	}

	fmt.Fprintf(out, "User Details:\n")
	fmt.Fprintf(out, "  ID: %d\n", user.ID)
	fmt.Fprintf(out, "  Username: %s\n", user.Username)
	fmt.Fprintf(out, "  Name: %s %s\n", user.GivenName, user.FamilyName)
	fmt.Fprintf(out, "  Email: %s\n", user.Email)
	fmt.Fprintf(out, "  Role: %s\n", user.Role)

	if user.Role == target {
		fmt.Fprintf(out, "\nUser already has role %s; nothing to do.\n", target)
		return nil
	}

	if !assumeYes {
		fmt.Fprintf(out, "\nChange role of %s from %s to %s? (yes/no): ", user.Username, user.Role, target)
		answer, _ := bufio.NewReader(in).ReadString('\n')
		if strings.TrimSpace(answer) != "yes" {
			fmt.Fprintln(out, "Role change cancelled.")
			return nil
		}
	}

	if err := repo.UpdateUserRole(ctx, user.Username, target); err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	fmt.Fprintf(out, "Role of %s is now %s. Existing sessions pick up the change on their next request.\n", user.Username, target)
	return nil
}
