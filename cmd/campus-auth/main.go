package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "campus-auth",
		Short:         "Campus Market session manager",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newSignUpCommand(),
		newSignInCommand(),
		newSignOutCommand(),
		newWhoAmICommand(),
		newResetPasswordCommand(),
		newUpdatePasswordCommand(),
		newUpdateEmailCommand(),
		newUpdateProfileCommand(),
		newResendCommand(),
		newOpenLinkCommand(),
		newOutboxCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("http-address", defaults.GetString("http.address"), "Callback receiver listen address")
	flags.StringSlice("allowed-origins", nil, "Browser origins allowed to call the receiver (defaults to the listen address)")
	flags.String("backend-database-path", defaults.GetString("backend.database_path"), "SQLite path of the identity and profile database")
	flags.String("signing-secret", "", "Access token signing secret (overrides env)")
	flags.Int("token-ttl-minutes", defaults.GetInt("backend.token_ttl_minutes"), "Access token TTL in minutes")
	flags.Bool("require-email-confirmation", defaults.GetBool("backend.require_email_confirmation"), "Require email verification before sign-in")
	flags.String("trigger-mode", defaults.GetString("backend.trigger_mode"), "Provisioning trigger behaviour (healthy, silent, reject_metadata)")
	flags.String("cache-path", defaults.GetString("cache.path"), "SQLite path of the local cache")
	flags.String("redirect-url", defaults.GetString("auth.redirect_url"), "Redirect target embedded in activation emails")
	flags.Duration("provisioning-delay", defaults.GetDuration("auth.provisioning_delay"), "Wait before checking sign-up provisioning")
	flags.Int("provisioning-attempts", defaults.GetInt("auth.provisioning_attempts"), "Provisioning checks before repairing")
	flags.Duration("provisioning-interval", defaults.GetDuration("auth.provisioning_interval"), "Wait between provisioning checks")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "backend.database_path", "backend-database-path")
	bindFlag(cmd, "backend.signing_secret", "signing-secret")
	bindFlag(cmd, "backend.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "backend.require_email_confirmation", "require-email-confirmation")
	bindFlag(cmd, "backend.trigger_mode", "trigger-mode")
	bindFlag(cmd, "cache.path", "cache-path")
	bindFlag(cmd, "auth.redirect_url", "redirect-url")
	bindFlag(cmd, "auth.provisioning_delay", "provisioning-delay")
	bindFlag(cmd, "auth.provisioning_attempts", "provisioning-attempts")
	bindFlag(cmd, "auth.provisioning_interval", "provisioning-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
