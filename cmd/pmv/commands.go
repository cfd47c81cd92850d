package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/photomentor/pmv/internal/config"
	"github.com/photomentor/pmv/internal/critique"
)

// --- critique ---

var critiqueCmd = &cobra.Command{
	Use:   "critique <image>",
	Short: "Upload a photo and stream an AI critique",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postImage("/api/critique", args[0], !asJSON)
		if err != nil {
			return err
		}

		if asJSON {
			return printJSONBody(resp)
		}
		return consumeStream(resp)
	},
}

// --- refine ---

var refineCmd = &cobra.Command{
	Use:   "refine <id>",
	Short: "Generate a refined version of a stored critique",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid critique id %q", args[0])
		}
		instructions, _ := cmd.Flags().GetString("instructions")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"id": id}
		if instructions != "" {
			body["instructions"] = instructions
		}
		resp, err := client.postJSON("/api/critique/refine", body, !asJSON)
		if err != nil {
			return err
		}

		if asJSON {
			return printJSONBody(resp)
		}
		return consumeStream(resp)
	},
}

func init() {
	critiqueCmd.Flags().Bool("json", false, "wait for completion and print the JSON result")
	refineCmd.Flags().String("instructions", "", "what to focus on in the refinement")
	refineCmd.Flags().Bool("json", false, "wait for completion and print the JSON result")
}

// consumeStream prints critique deltas as they arrive and reports the saved
// version once the stream finishes.
func consumeStream(resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	dec := critique.NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}

		switch ev.Kind {
		case critique.KindDelta:
			fmt.Print(ev.Delta)
		case critique.KindSaved:
			fmt.Println()
			printSuccess("Saved critique %d (version %d)", ev.SavedID, ev.Version)
		case critique.KindError:
			fmt.Println()
			return fmt.Errorf("%s", ev.Err)
		case critique.KindDone:
			return nil
		}
	}
	fmt.Println()
	return nil
}

func printJSONBody(resp *http.Response) error {
	var result any
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List this session's critiques, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/api/history")
		if err != nil {
			return err
		}

		var result struct {
			Items []historyEntry `json:"items"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Items) == 0 {
			fmt.Println("No critiques yet.")
			return nil
		}

		for _, item := range result.Items {
			printHistoryEntry(item, nil)
		}
		return nil
	},
}

type historyEntry struct {
	ID          int64  `json:"id"`
	Critique    string `json:"critique"`
	Description string `json:"description"`
	Version     int    `json:"version"`
	ParentID    *int64 `json:"parentId"`
	CreatedAt   string `json:"createdAt"`
}

func printHistoryEntry(item historyEntry, distance *float32) {
	header := fmt.Sprintf("#%d v%d", item.ID, item.Version)
	if item.ParentID != nil {
		header += fmt.Sprintf(" (refines #%d)", *item.ParentID)
	}
	if distance != nil {
		header += fmt.Sprintf(" [distance: %.3f]", *distance)
	}
	fmt.Printf("\n%s  %s\n", colorize(colorBold, header), colorize(colorDim, item.CreatedAt))

	desc := item.Description
	if len(desc) > 120 {
		desc = desc[:120] + "..."
	}
	if desc != "" {
		fmt.Printf("  %s\n", colorize(colorCyan, desc))
	}

	text := item.Critique
	if len(text) > 400 {
		text = text[:400] + "..."
	}
	fmt.Printf("  %s\n", text)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantically search this session's critiques",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/api/search?q=" + url.QueryEscape(query))
		if err != nil {
			return err
		}

		var result struct {
			Results []struct {
				historyEntry
				Distance float32 `json:"distance"`
			} `json:"results"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for _, r := range result.Results {
			printHistoryEntry(r.historyEntry, &r.Distance)
		}
		return nil
	},
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Add a document to the photography knowledge base",
	Long: `Add a document to the photography knowledge base.

Examples:
  pmv ingest --text "Backlit portraits need exposure compensation" --title "Backlighting"
  pmv ingest --file ./composition-guide.pdf
  pmv ingest --file ./notes.md --title "Workshop notes"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}

		req := map[string]any{"source": "cli"}
		if title != "" {
			req["title"] = title
		}

		switch {
		case text != "":
			req["type"] = "text"
			req["content"] = text
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			if strings.EqualFold(filepath.Ext(file), ".pdf") {
				req["type"] = "pdf"
				req["content"] = base64.StdEncoding.EncodeToString(data)
			} else {
				req["type"] = "text"
				req["content"] = string(data)
			}
			if title == "" {
				req["title"] = filepath.Base(file)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postAdmin("/admin/ingest", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued doc %s", result["id"])
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("file", "", "file path to ingest (.pdf is extracted server-side)")
	ingestCmd.Flags().String("title", "", "title for the document")
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
