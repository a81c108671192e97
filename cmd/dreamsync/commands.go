package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jerryapp/dreamsync/internal/config"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a dream for interpretation",
	Long: `Submit a dream for interpretation.

The dream is persisted locally before any network attempt; if the service
is unreachable it stays queued and is replayed automatically.

Examples:
  dreamsync submit --text "sonhei que voava sobre o mar" --title "Voo" --emotion alegria
  dreamsync submit --audio ./gravacao.webm --title "Sussurros"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		audioPath, _ := cmd.Flags().GetString("audio")
		title, _ := cmd.Flags().GetString("title")
		emotion, _ := cmd.Flags().GetString("emotion")

		if (text == "") == (audioPath == "") {
			return fmt.Errorf("exactly one of --text or --audio is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var outcome submitOutcome
		if text != "" {
			resp, err := client.post(cmd.Context(), "/dreams", map[string]string{
				"title":   title,
				"emotion": emotion,
				"text":    text,
			})
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &outcome); err != nil {
				return err
			}
		} else {
			blob, err := os.ReadFile(audioPath)
			if err != nil {
				return fmt.Errorf("reading audio file: %w", err)
			}
			resp, err := client.postAudio(cmd.Context(), "/dreams/audio", map[string]string{
				"title":   title,
				"emotion": emotion,
			}, blob)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &outcome); err != nil {
				return err
			}
		}

		printOutcome(outcome)
		return nil
	},
}

type submitOutcome struct {
	State         string `json:"state"`
	DreamID       int64  `json:"dream_id"`
	Transcription string `json:"transcription"`
	Notice        string `json:"notice"`
	Record        *struct {
		Interpretation string `json:"interpretation"`
		ImageURL       string `json:"image_url"`
	} `json:"record"`
}

func printOutcome(o submitOutcome) {
	if o.Transcription != "" {
		printStatus("Transcription", "%s", o.Transcription)
	}
	switch o.State {
	case "done":
		printSuccess("Dream #%d interpreted", o.DreamID)
		if o.Record != nil {
			fmt.Println(o.Record.Interpretation)
			if o.Record.ImageURL != "" {
				printStatus("Image", "%s", o.Record.ImageURL)
			}
		}
	case "processing":
		printWarning("Dream #%d accepted, interpretation still processing. Check back later.", o.DreamID)
	case "waiting":
		if o.Notice != "" {
			printWarning("%s", o.Notice)
		} else {
			printWarning("Dream queued for delivery")
		}
	case "failed":
		printError("The service could not interpret this dream")
	default:
		printWarning("Unknown submission state %q", o.State)
	}
}

func init() {
	submitCmd.Flags().String("text", "", "dream text to submit")
	submitCmd.Flags().String("audio", "", "path to a recorded dream (webm)")
	submitCmd.Flags().String("title", "", "title for the dream")
	submitCmd.Flags().String("emotion", "", "dominant emotion of the dream")
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List dreams waiting for delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/queue")
		if err != nil {
			return err
		}

		var items []struct {
			ID        int64  `json:"id"`
			Type      string `json:"type"`
			CreatedAt string `json:"created_at"`
			Retries   int    `json:"retries"`
			Status    string `json:"status"`
		}
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		for _, item := range items {
			status := item.Status
			if status == "failed" {
				status = colorize(colorRed, status)
			}
			fmt.Printf("%s  %-8s  %s  retries=%d  %s\n",
				colorize(colorCyan, fmt.Sprintf("#%d", item.ID)),
				item.Type,
				item.CreatedAt,
				item.Retries,
				status,
			)
		}
		return nil
	},
}

// --- replay ---

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Attempt delivery of all queued dreams now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/replay", nil)
		if err != nil {
			return err
		}

		var stats struct {
			Attempted int `json:"attempted"`
			Succeeded int `json:"succeeded"`
			Failed    int `json:"failed"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		if stats.Attempted == 0 {
			fmt.Println("Nothing to replay.")
			return nil
		}
		if stats.Failed > 0 {
			printWarning("Replayed %d of %d queued request(s), %d still waiting", stats.Succeeded, stats.Attempted, stats.Failed)
		} else {
			printSuccess("Replayed %d queued request(s)", stats.Succeeded)
		}
		return nil
	},
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past interpretations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/history")
		if err != nil {
			return err
		}

		var records []struct {
			DreamID        int64  `json:"dream_id"`
			Title          string `json:"title"`
			Emotion        string `json:"emotion"`
			Interpretation string `json:"interpretation"`
			CreatedAt      string `json:"created_at"`
		}
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No interpretations yet.")
			return nil
		}

		for _, rec := range records {
			title := rec.Title
			if title == "" {
				title = "(sem título)"
			}
			fmt.Printf("\n%s %s\n", colorize(colorBold, fmt.Sprintf("#%d", rec.DreamID)), colorize(colorCyan, title))
			if rec.Emotion != "" {
				fmt.Printf("  Emotion: %s\n", rec.Emotion)
			}
			interp := rec.Interpretation
			if len(interp) > 300 {
				interp = interp[:300] + "..."
			}
			fmt.Printf("  %s\n", interp)
		}
		return nil
	},
}

// --- react ---

var reactCmd = &cobra.Command{
	Use:   "react <dream-id> <emoji>",
	Short: "Toggle a reaction on a dream",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dreamID, emoji := args[0], args[1]

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/dreams/"+dreamID+"/reactions", map[string]string{"emoji": emoji})
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("%s now has %d %s", dreamID, result["count"], emoji)
		return nil
	},
}

// --- comment ---

var commentCmd = &cobra.Command{
	Use:   "comment <dream-id> <text>",
	Short: "Comment on a dream",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dreamID := args[0]
		text := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/dreams/"+dreamID+"/comments", map[string]string{"text": text})
		if err != nil {
			return err
		}

		var comment struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &comment); err != nil {
			return err
		}

		printSuccess("Comment added to dream %s", dreamID)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
