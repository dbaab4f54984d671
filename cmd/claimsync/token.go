package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/claimsync/internal/claims"
	"github.com/MarcoPoloResearchLab/claimsync/internal/config"
)

func newTokenCommand() *cobra.Command {
	var providerFlag string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a backend access token for a provider",
		PreRun: func(cmd *cobra.Command, args []string) {
			bindServerFlags(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			providerID, err := claims.NewProviderID(providerFlag)
			if err != nil {
				return err
			}
			serverConfig, err := config.LoadServer(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(serverConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), providerID.String())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%ds\n", token, expiresIn)
			return err
		},
	}
	addServerFlags(cmd, config.NewViper())
	cmd.Flags().StringVar(&providerFlag, "provider", "", "Provider id used as the token subject")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}
