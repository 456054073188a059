package main

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/auth"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type tokenOutput struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newTokenCommand(defaults *viper.Viper) *cobra.Command {
	var identity auth.Identity
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a handshake token for the event channel",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd, map[string]string{
				"token.signing_secret": "signing-secret",
				"token.ttl":            "ttl",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			tokenConfig, err := config.LoadToken(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(tokenConfig.SigningSecret),
				Issuer:        tokenConfig.Issuer,
				Audience:      tokenConfig.Audience,
				TokenTTL:      tokenConfig.TTL,
			})
			if err != nil {
				return err
			}
			signed, expiresAt, err := issuer.Issue(cmd.Context(), identity)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(tokenOutput{
				Token:     signed,
				UserID:    identity.Normalize().UserID,
				ExpiresAt: expiresAt.UTC(),
			})
		},
	}

	cmd.Flags().StringVar(&identity.UserID, "user-id", "", "User id the token vouches for")
	cmd.Flags().StringVar(&identity.DisplayName, "display-name", "", "Display name carried in the token")
	cmd.Flags().StringVar(&identity.AvatarURL, "avatar-url", "", "Avatar URL carried in the token")
	cmd.Flags().String("signing-secret", "", "Handshake token signing secret (overrides env)")
	cmd.Flags().Duration("ttl", defaults.GetDuration("token.ttl"), "Token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
