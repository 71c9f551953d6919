package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"leadhub/internal/ingest"
	"leadhub/internal/repo"
)

func newAdminCmd() *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Provision tenant integrations",
	}
	admin.AddCommand(
		newCreateFormCmd(),
		newSetFormActiveCmd(),
		newCreateInstanceCmd(),
		newSyncInstanceCmd(),
		newConnectFacebookCmd(),
		newSetSettingCmd(),
	)
	return admin
}

func newCreateFormCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "create-form",
		Short: "Create a form webhook token for an organization",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			fw, err := a.repo.CreateFormWebhook(cmd.Context(), orgID)
			if err != nil {
				return err
			}
			cmd.Printf("token: %s\nurl:   %s/form-webhook/%s\n", fw.Token, a.cfg.PublicBasePath, fw.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newSetFormActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-form-active TOKEN true|false",
		Short: "Enable or disable a form webhook",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			active, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("parse active flag: %w", err)
			}
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.repo.SetFormWebhookActive(cmd.Context(), args[0], active)
		},
	}
}

func newCreateInstanceCmd() *cobra.Command {
	var orgID, name string
	cmd := &cobra.Command{
		Use:   "create-instance",
		Short: "Register a WhatsApp bridge instance for an organization",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			inst, err := a.repo.CreateInstance(cmd.Context(), orgID, name)
			if err != nil {
				return err
			}
			cmd.Printf("instance %s created with status %s\n", inst.InstanceName, inst.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	cmd.Flags().StringVar(&name, "name", "", "bridge instance name")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newSyncInstanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-instance NAME",
		Short: "Read the connection state from the bridge and apply it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			state, err := a.evolution.ConnectionState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data, err := jsonRaw(ingest.ConnectionUpdate{Instance: args[0], State: state})
			if err != nil {
				return err
			}
			tr, err := a.ingest.HandleConnection(cmd.Context(), ingest.WhatsAppEvent{
				Event:    ingest.EventConnectionUpdate,
				Instance: args[0],
				Data:     data,
			})
			if err != nil {
				return err
			}
			cmd.Printf("instance %s: %s -> %s\n", args[0], tr.From, tr.Instance.Status)
			return nil
		},
	}
}

func newConnectFacebookCmd() *cobra.Command {
	var orgID, userToken, pageID string
	cmd := &cobra.Command{
		Use:   "connect-facebook",
		Short: "Bind Facebook pages reachable with a user token to an organization",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			token := userToken
			if a.cfg.FacebookAppID != "" && a.cfg.FacebookAppSecret != "" {
				long, err := a.graph.ExchangeToken(ctx, userToken)
				if err != nil {
					return err
				}
				token = long.AccessToken
			}

			pages, err := a.graph.ListPages(ctx, token)
			if err != nil {
				return err
			}
			bound := 0
			for _, p := range pages {
				if pageID != "" && p.ID != pageID {
					continue
				}
				if err := a.repo.SaveFacebookIntegration(ctx, repo.FacebookIntegration{
					OrganizationID:  orgID,
					PageID:          p.ID,
					PageAccessToken: p.AccessToken,
				}); err != nil {
					return err
				}
				bound++
				forms, err := a.graph.ListLeadForms(ctx, p.ID, p.AccessToken)
				if err != nil {
					a.logger.Warn("list lead forms failed", "page_id", p.ID, "error", err)
				}
				cmd.Printf("page %s (%s): %d lead forms\n", p.Name, p.ID, len(forms))
			}
			if bound == 0 {
				return fmt.Errorf("no matching pages for this token")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	cmd.Flags().StringVar(&userToken, "user-token", "", "Facebook user access token")
	cmd.Flags().StringVar(&pageID, "page", "", "only bind this page id")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("user-token")
	return cmd
}

func newSetSettingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-setting KEY VALUE",
		Short: "Store a system setting such as evolution_api_url",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.repo.SetSetting(cmd.Context(), args[0], args[1])
		},
	}
}
