package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hls-liberator/work/buffer"
	"hls-liberator/work/channels"
	"hls-liberator/work/client"
	"hls-liberator/work/logger"
	"hls-liberator/work/proxy"
)

var (
	playlistBaseURL string
	playlistOutput  string
)

var playlistCmd = &cobra.Command{
	Use:   "playlist",
	Short: "Write the M3U playlist of every channel to a file",
	Example: `  # Playlist pointing at a proxy on the LAN
  hls-liberator playlist --base-url http://192.168.1.10:8080 -o playlist.m3u`,
	Args: cobra.NoArgs,
	RunE: runPlaylist,
}

func init() {
	playlistCmd.Flags().StringVar(&playlistBaseURL, "base-url", "", "Public proxy URL (default BASE_URL or http://localhost:PORT)")
	playlistCmd.Flags().StringVarP(&playlistOutput, "output", "o", "playlist.m3u", "Output file, - for stdout")
	rootCmd.AddCommand(playlistCmd)
}

func runPlaylist(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry, err := channels.LoadFile(cfg.ChannelsFile)
	if err != nil {
		return err
	}

	base := playlistBaseURL
	if base == "" {
		base = cfg.BaseURL
	}
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}

	httpClient := client.NewHeaderSettingClient(cfg)
	defer httpClient.Close()

	sp := proxy.New(cfg, registry, httpClient, buffer.NewBufferPool(0), nil)
	playlist := sp.GeneratePlaylist(base)

	if playlistOutput == "-" {
		_, err = fmt.Fprint(cmd.OutOrStdout(), playlist)
		return err
	}
	if err := os.WriteFile(playlistOutput, []byte(playlist), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", playlistOutput, err)
	}
	logger.Info("{cmd/playlist - runPlaylist} Wrote %d channels to %s", registry.Len(), playlistOutput)
	return nil
}
