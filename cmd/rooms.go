package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"collabtext/collabd/internal/output"
	"collabtext/collabd/internal/room"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List live rooms on a running coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return roomsRun(cmd.Context(), viper.GetString("rooms.url"), ui)
	},
}

func init() {
	rootCmd.AddCommand(roomsCmd)

	roomsCmd.Flags().String("url", "http://localhost:8081", "Coordinator base URL")
	viper.SetDefault("rooms.url", "http://localhost:8081")
	_ = viper.BindPFlag("rooms.url", roomsCmd.Flags().Lookup("url"))
}

func fetchRooms(ctx context.Context, baseURL string) ([]room.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/rooms", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact coordinator: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coordinator returned %s", resp.Status)
	}

	var rooms []room.Summary
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}
	return rooms, nil
}

func roomsRun(ctx context.Context, baseURL string, u *output.UI) error {
	rooms, err := fetchRooms(ctx, baseURL)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		u.Info("No live rooms")
		return nil
	}

	table := u.Table([]string{"Room", "Sessions", "Files", "Language", "Debug"})
	for _, r := range rooms {
		_ = table.Append([]string{
			output.Cyan(r.ID),
			output.SessionsColor(r.Sessions),
			strconv.Itoa(len(r.Files)),
			r.Language,
			output.DebugStateColor(r.Debug),
		})
	}
	return table.Render()
}
