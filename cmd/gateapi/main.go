package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/labgate/internal/gateapi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagListenAddr     = "listen-addr"
	flagGateAddr       = "gate-addr"
	flagGateInsecure   = "gate-insecure"
	flagGateTimeout    = "gate-timeout"
	flagAllowedOrigins = "allowed-origins"
	flagJWTSigningKey  = "jwt-signing-key"
	flagJWTIssuer      = "jwt-issuer"
	flagJWTCookieName  = "jwt-cookie-name"
	flagSubscriberRole = "subscriber-role"
	envPrefix          = "GATEAPI"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gateapi: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := gateapi.Config{}
	cmd := &cobra.Command{
		Use:           "gateapi",
		Short:         "HTTP façade for the unlock and demand services",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return gateapi.Run(ctx, cfg)
		},
	}

	cmd.Flags().String(flagListenAddr, "", "HTTP listen address (default :9090)")
	cmd.Flags().String(flagGateAddr, "", "gated gRPC address (default localhost:7100)")
	cmd.Flags().Bool(flagGateInsecure, false, "connect to gated without TLS")
	cmd.Flags().Duration(flagGateTimeout, 0, "gated RPC timeout (default 3s)")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer (default tauth)")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name (default app_session)")
	cmd.Flags().String(flagSubscriberRole, "", "session role that marks a subscriber (default subscriber)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *gateapi.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{flagListenAddr, flagGateAddr, flagGateInsecure, flagGateTimeout, flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagSubscriberRole} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	if !v.IsSet(flagJWTSigningKey) {
		return fmt.Errorf("%s is required", flagJWTSigningKey)
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.GateAddress = strings.TrimSpace(v.GetString(flagGateAddr))
	cfg.GateInsecure = v.GetBool(flagGateInsecure)
	cfg.GateTimeout = v.GetDuration(flagGateTimeout)
	cfg.AllowedOrigins = gateapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.SubscriberRole = strings.TrimSpace(v.GetString(flagSubscriberRole))

	return cfg.Validate()
}
