package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"relay/internal/api"
	"relay/internal/config"
)

// NewDoctorCmd creates the doctor command. It queries a running daemon's
// signed diagnostic endpoint and prints the report.
func NewDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Print a diagnostic report from the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadedConfig

			secret, err := config.Secret(cfg.API.SecretName, true)
			if err != nil {
				return err
			}

			url := fmt.Sprintf("http://%s:%d/doctor", cfg.API.Host, cfg.API.Port)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			req.Header.Set("x-signature", api.Sign([]byte(secret), nil))

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("daemon not reachable at %s: %w", url, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("doctor request failed: status %d", resp.StatusCode)
			}

			var pretty json.RawMessage = body
			out, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				fmt.Println(string(body))
				return nil
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
