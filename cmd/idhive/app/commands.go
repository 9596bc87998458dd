// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the idhive command-line
// application.
package app

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/idhive/pkg/logger"
	"github.com/stacklok/idhive/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "idhive",
	DisableAutoGenTag: true,
	Short:             "idhive is a multi-tenant identity platform",
	Long: `idhive is a multi-tenant identity platform. It serves OIDC/OAuth 2.0,
SAML 2.0, SCIM 2.0 provisioning, and an LDAP directory front-end over a
shared user store, with policy-driven authentication journeys deciding how
users sign in.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the idhive CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("Failed to bind debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the idhive version",
		Run: func(_ *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			if outputJSON {
				out, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					logger.Errorf("Failed to marshal version info: %v", err)
					os.Exit(1)
				}
				fmt.Println(string(out))
				return
			}
			fmt.Printf("idhive %s\ncommit: %s\nbuilt: %s\ngo: %s\nplatform: %s\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output version information as JSON")
	return cmd
}
