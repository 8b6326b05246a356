package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gitea.jw6.us/james/davkit/internal/auth"
	"gitea.jw6.us/james/davkit/internal/store"
)

var (
	userCmd = &cobra.Command{
		Use:   "user",
		Short: "Manage principals",
	}

	newUser store.User

	userAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Create a principal with its default calendar and address book",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, closeStore, err := openPersistentStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			user, err := st.Users.Create(cmd.Context(), newUser)
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			if err := st.EnsureDefaultCollections(cmd.Context(), user.ID); err != nil {
				return fmt.Errorf("create default collections: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (id %d)\n", user.Username, user.ID)
			return nil
		},
	}

	appPasswordCmd = &cobra.Command{
		Use:   "app-password",
		Short: "Manage app passwords used by DAV clients",
	}

	appPasswordUser  string
	appPasswordLabel string
	appPasswordTTL   time.Duration

	appPasswordCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Create an app password and print it once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, closeStore, err := openPersistentStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			user, err := st.Users.GetByUsername(cmd.Context(), appPasswordUser)
			if err != nil {
				return fmt.Errorf("lookup user %s: %w", appPasswordUser, err)
			}
			var expires *time.Time
			if appPasswordTTL > 0 {
				t := time.Now().Add(appPasswordTTL)
				expires = &t
			}
			token, created, err := auth.NewService(st, nil).CreateAppPassword(cmd.Context(), user.ID, appPasswordLabel, expires)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "app password %d for %s: %s\n", created.ID, user.Username, token)
			return nil
		},
	}
)

func init() {
	userAddCmd.Flags().StringVar(&newUser.Username, "username", "", "login and principal name")
	userAddCmd.Flags().StringVar(&newUser.Email, "email", "", "email address, advertised as calendar user address")
	userAddCmd.Flags().StringVar(&newUser.DisplayName, "display-name", "", "principal display name")
	_ = userAddCmd.MarkFlagRequired("username")
	userCmd.AddCommand(userAddCmd)

	appPasswordCreateCmd.Flags().StringVar(&appPasswordUser, "username", "", "owner of the app password")
	appPasswordCreateCmd.Flags().StringVar(&appPasswordLabel, "label", "", "label shown when listing app passwords")
	appPasswordCreateCmd.Flags().DurationVar(&appPasswordTTL, "expires-in", 0, "lifetime of the password, 0 for no expiry")
	_ = appPasswordCreateCmd.MarkFlagRequired("username")
	appPasswordCmd.AddCommand(appPasswordCreateCmd)
}
