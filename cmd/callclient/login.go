package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mossy-p/telehealth-signaling/config"
	"github.com/mossy-p/telehealth-signaling/internal/models"
)

var (
	flagLoginAPI      string
	flagLoginUser     string
	flagLoginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Obtain a signaling token from the demo login endpoint",
	Long: `Obtain a signaling token from the server's demo login endpoint.

Examples:
  callclient login --user patient-1
  callclient login --api https://signal.example.com/api --user doctor-1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient()
		if err != nil {
			return err
		}
		if flagLoginAPI != "" {
			cfg.APIURL = flagLoginAPI
		}
		if flagLoginUser == "" {
			return fmt.Errorf("--user is required")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		resp, err := login(ctx, cfg.APIURL, flagLoginUser, flagLoginPassword)
		if err != nil {
			return err
		}

		printSuccess(fmt.Sprintf("logged in as %s (expires %s)", resp.UserID, resp.ExpiresAt.Local().Format(time.RFC822)))
		fmt.Printf("export SIGNALING_TOKEN=%s\n", resp.Token)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&flagLoginAPI, "api", "", "REST API base URL (default from SIGNALING_API_URL)")
	loginCmd.Flags().StringVarP(&flagLoginUser, "user", "u", "", "identity to log in as")
	loginCmd.Flags().StringVarP(&flagLoginPassword, "password", "p", "demo", "password")
}

func login(ctx context.Context, apiURL, user, password string) (*models.LoginResponse, error) {
	body, err := json.Marshal(models.LoginRequest{Username: user, Password: password})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(apiURL, "/")+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&apiErr)
		return nil, fmt.Errorf("login rejected (%d): %s", res.StatusCode, apiErr.Error)
	}

	var out models.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	return &out, nil
}
