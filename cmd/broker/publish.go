package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/syntrixbase/broker/internal/api"
	"github.com/syntrixbase/broker/internal/config"
	"github.com/syntrixbase/broker/internal/services"
	"github.com/syntrixbase/broker/pkg/model"
)

func newPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one event",
		Long: "Publish one event. With --server the event is posted to a running broker's " +
			"admin API; otherwise it is written straight to the configured store and feed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("config")
			name, _ := cmd.Flags().GetString("event")
			raw, _ := cmd.Flags().GetString("payload")
			server, _ := cmd.Flags().GetString("server")

			evt, err := parseEvent(name, raw)
			if err != nil {
				return err
			}
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}

			var stored model.Event
			if server != "" {
				stored, err = publishRemote(cmd.Context(), server, cfg.API, evt)
			} else {
				stored, err = publishLocal(cmd.Context(), cfg, evt)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), stored.ID)
			return nil
		},
	}
	cmd.Flags().String("event", "", "Event name")
	cmd.Flags().String("payload", "{}", "Event payload as a JSON object")
	cmd.Flags().String("server", "", "Base URL of a running broker, e.g. http://127.0.0.1:8080")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func parseEvent(name, raw string) (model.Event, error) {
	evt := model.Event{Name: name, Payload: map[string]interface{}{}}
	if strings.TrimSpace(raw) == "" {
		return evt, nil
	}
	if err := json.Unmarshal([]byte(raw), &evt.Payload); err != nil {
		return model.Event{}, fmt.Errorf("invalid --payload: %w", err)
	}
	return evt, nil
}

func publishLocal(ctx context.Context, cfg *config.Config, evt model.Event) (model.Event, error) {
	mgr := services.NewManager(cfg, services.Options{PublishOnly: true})
	if err := mgr.Init(ctx); err != nil {
		return model.Event{}, err
	}
	defer mgr.Shutdown(context.WithoutCancel(ctx))
	return mgr.Events().Publish(ctx, evt)
}

func publishRemote(ctx context.Context, baseURL string, cfg config.APIConfig, evt model.Event) (model.Event, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return model.Event{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/events", bytes.NewReader(body))
	if err != nil {
		return model.Event{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Secret != "" {
		token, err := api.NewAuthenticator(cfg.Secret, cfg.Issuer).IssueToken("broker-cli", []string{api.RoleSystem}, time.Minute)
		if err != nil {
			return model.Event{}, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return model.Event{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Event{}, err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return model.Event{}, fmt.Errorf("publish failed: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var stored model.Event
	if err := json.Unmarshal(data, &stored); err != nil {
		return model.Event{}, fmt.Errorf("invalid response: %w", err)
	}
	return stored, nil
}
