/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/medeval/apiserver/internal/auth"
	"github.com/medeval/apiserver/internal/db"
	"github.com/medeval/apiserver/internal/services"
	"github.com/medeval/apiserver/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// userCmd groups account administration commands.
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user account",
	Long: `Creates a user account. The password is read from the terminal without
echo, or from stdin when it is not a terminal.

	medeval user create --identifier 1017000001 --name "Jane Doe" --role COORDINATOR
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		identifier, _ := cmd.Flags().GetString("identifier")
		name, _ := cmd.Flags().GetString("name")
		role, _ := cmd.Flags().GetString("role")

		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		password, err := readPassword(cmd.ErrOrStderr(), os.Stdin)
		if err != nil {
			return err
		}

		conn, err := db.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer conn.Close()

		svc := services.NewUserService(
			store.NewUserRepository(conn),
			auth.NewBcryptHasher(cfg.Auth.BcryptCost),
			cfg.Auth.MinSecretLength,
		)
		user, err := svc.Create(cmd.Context(), services.CreateUserInput{
			Identifier:  identifier,
			DisplayName: name,
			Role:        role,
			Password:    password,
		})
		if err != nil {
			if errors.Is(err, services.ErrInvalidInput) {
				return errors.New(services.ValidationMessage(err))
			}
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "created user %d (%s, %s)\n", user.ID, user.Identifier, user.Role)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userCreateCmd)

	userCreateCmd.Flags().String("identifier", "", "login identifier")
	userCreateCmd.Flags().String("name", "", "display name")
	userCreateCmd.Flags().String("role", "RESIDENT", "COORDINATOR or RESIDENT")
	_ = userCreateCmd.MarkFlagRequired("identifier")
	_ = userCreateCmd.MarkFlagRequired("name")
}

func readPassword(prompt io.Writer, in *os.File) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(prompt, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	fmt.Fprint(prompt, "Repeat password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}
