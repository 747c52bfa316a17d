package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/tutor/internal/api"
	"github.com/kalambet/tutor/internal/catalog"
	"github.com/kalambet/tutor/internal/checkpoint"
	"github.com/kalambet/tutor/internal/config"
)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Ask the tutor a question in a conversation thread",
	Long: `Ask the tutor a question. Progress is shown while the answer is prepared.

Examples:
  tutor ask "What is a recursive function?"
  tutor ask --thread algo-1 --user alice "En la práctica 2 ejercicio 1.d no entiendo el caso base"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threadID, _ := cmd.Flags().GetString("thread")
		userID, _ := cmd.Flags().GetString("user")
		asJSON, _ := cmd.Flags().GetBool("json")

		if threadID == "" {
			threadID = uuid.NewString()
			printStatus("Thread", "%s", threadID)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/v1/threads/" + url.PathEscape(threadID) + "/messages"
		body := api.MessageRequest{UserID: userID, Message: strings.Join(args, " ")}
		return streamTurn(commandContext(cmd), client, path, body, os.Stdout, asJSON)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <thread>",
	Short: "Resume an interrupted turn from its latest checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/v1/threads/" + url.PathEscape(args[0]) + "/resume"
		return streamTurn(commandContext(cmd), client, path, nil, os.Stdout, asJSON)
	},
}

func init() {
	askCmd.Flags().String("thread", "", "conversation thread id (default: a new thread)")
	askCmd.Flags().String("user", "", "learner id for long-term memory")
	askCmd.Flags().Bool("json", false, "print the full turn result as JSON")
	resumeCmd.Flags().Bool("json", false, "print the full turn result as JSON")
}

func streamTurn(ctx context.Context, client *apiClient, path string, body any, out io.Writer, asJSON bool) error {
	var result *api.TurnResponse
	err := client.stream(ctx, path, body, func(event string, data []byte) error {
		switch event {
		case "progress":
			var p struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(data, &p); err == nil {
				printStep("%s", p.Message)
			}
		case "result":
			result = &api.TurnResponse{}
			return json.Unmarshal(data, result)
		case "error":
			var e struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("turn failed: %s", data)
			}
			return fmt.Errorf("turn failed: %s", e.Error.Message)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if result == nil {
		return fmt.Errorf("stream ended without a result")
	}

	if asJSON {
		return printJSON(out, result)
	}
	fmt.Fprintln(out, result.Response)
	if result.Warnings > 0 {
		printWarning("%d warning(s); run `tutor checkpoints %s --state` for details", result.Warnings, result.ThreadID)
	}
	return nil
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run a gap analysis for a question about an exercise",
	RunE: func(cmd *cobra.Command, args []string) error {
		question, _ := cmd.Flags().GetString("question")
		practice, _ := cmd.Flags().GetString("practice")
		exercise, _ := cmd.Flags().GetString("exercise")
		subject, _ := cmd.Flags().GetString("subject")
		iterations, _ := cmd.Flags().GetInt("max-iterations")
		if question == "" {
			return fmt.Errorf("--question is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(commandContext(cmd), "/v1/gap-analysis", api.GapAnalysisRequest{
			Question:      question,
			Subject:       subject,
			PracticeID:    practice,
			ExerciseID:    exercise,
			MaxIterations: iterations,
		})
		if err != nil {
			return err
		}
		var result api.GapAnalysisResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		return printJSON(os.Stdout, result)
	},
}

func init() {
	analyzeCmd.Flags().String("question", "", "what the student is stuck on")
	analyzeCmd.Flags().String("practice", "", "practice id")
	analyzeCmd.Flags().String("exercise", "", "exercise id")
	analyzeCmd.Flags().String("subject", "", "course subject")
	analyzeCmd.Flags().Int("max-iterations", 0, "refinement cap (default from config)")
}

// --- checkpoints ---

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <thread>",
	Short: "List the checkpoints of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		showState, _ := cmd.Flags().GetBool("state")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listCheckpoints(commandContext(cmd), client, args[0], showState, os.Stdout)
	},
}

func init() {
	checkpointsCmd.Flags().Bool("state", false, "print the latest conversation state instead")
}

func listCheckpoints(ctx context.Context, client *apiClient, threadID string, showState bool, out io.Writer) error {
	base := "/v1/threads/" + url.PathEscape(threadID)
	if showState {
		resp, err := client.get(ctx, base+"/state")
		if err != nil {
			return err
		}
		var state json.RawMessage
		if err := decodeJSON(resp, &state); err != nil {
			return err
		}
		return printJSON(out, state)
	}

	resp, err := client.get(ctx, base+"/checkpoints")
	if err != nil {
		return err
	}
	var list []checkpoint.Summary
	if err := decodeJSON(resp, &list); err != nil {
		return err
	}
	if len(list) == 0 {
		printWarning("no checkpoints for thread %s", threadID)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tWORKFLOW\tTURN\tSTEP\tNEXT\tSTATUS\tCREATED")
	for _, s := range list {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
			s.Seq, s.Metadata.Workflow, s.Metadata.Turn, s.Metadata.Step, s.Metadata.Next, s.Metadata.Status,
			s.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// --- memory ---

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect long-term learner memory",
}

var memorySearchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search memory records under a namespace",
	Long: `Search memory records. A namespace ending in /* covers every namespace below it.

Examples:
  tutor memory search --namespace "user/alice/*" --query recursion`,
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace, _ := cmd.Flags().GetString("namespace")
		query, _ := cmd.Flags().GetString("query")
		limit, _ := cmd.Flags().GetInt("limit")
		if namespace == "" {
			return fmt.Errorf("--namespace is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{"namespace": {namespace}, "q": {query}, "limit": {fmt.Sprint(limit)}}
		resp, err := client.get(commandContext(cmd), "/v1/memory?"+q.Encode())
		if err != nil {
			return err
		}
		var records []json.RawMessage
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}
		return printJSON(os.Stdout, records)
	},
}

var memoryGetCmd = &cobra.Command{
	Use:   "get <namespace> <key>",
	Short: "Show one memory record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/v1/memory/" + strings.Trim(args[0], "/") + "?key=" + url.QueryEscape(args[1])
		resp, err := client.get(commandContext(cmd), path)
		if err != nil {
			return err
		}
		var rec json.RawMessage
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}
		return printJSON(os.Stdout, rec)
	},
}

func init() {
	memorySearchCmd.Flags().String("namespace", "", "namespace or pattern ending in /*")
	memorySearchCmd.Flags().String("query", "", "keywords to match")
	memorySearchCmd.Flags().Int("limit", 10, "maximum number of records")
	memoryCmd.AddCommand(memorySearchCmd, memoryGetCmd)
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Add course material to the knowledge base",
	Long: `Add course material to the knowledge base. It is embedded in the background.

Examples:
  tutor ingest --text "A recursive function needs a base case." --subject Algorithms
  tutor ingest --url https://example.com/recursion --tags lecture
  tutor ingest --file ./practica2.pdf --title "Práctica 2"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		link, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		subject, _ := cmd.Flags().GetString("subject")
		tagsStr, _ := cmd.Flags().GetString("tags")

		req, err := buildIngestRequest(text, link, file, title, subject, tagsStr)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(commandContext(cmd), "/v1/knowledge", req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued doc %s (job %s)", result["doc_id"], result["job_id"])
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("file", "", "text or PDF file to ingest")
	ingestCmd.Flags().String("title", "", "title for the document")
	ingestCmd.Flags().String("subject", "", "course subject")
	ingestCmd.Flags().String("tags", "", "comma-separated tags")
}

func buildIngestRequest(text, link, file, title, subject, tagsStr string) (api.KnowledgeRequest, error) {
	req := api.KnowledgeRequest{Title: title, Subject: subject, Source: "cli"}
	if tagsStr != "" {
		for _, t := range strings.Split(tagsStr, ",") {
			if t = strings.TrimSpace(t); t != "" {
				req.Tags = append(req.Tags, t)
			}
		}
	}

	switch {
	case text != "":
		req.Content = text
	case link != "":
		req.URL = link
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return req, fmt.Errorf("reading file: %w", err)
		}
		if strings.EqualFold(filepath.Ext(file), ".pdf") {
			req.PDF = base64.StdEncoding.EncodeToString(data)
		} else {
			req.Content = string(data)
		}
		if req.Title == "" {
			req.Title = filepath.Base(file)
		}
		req.Source = file
	default:
		return req, fmt.Errorf("one of --text, --url, or --file is required")
	}
	return req, nil
}

// --- catalog ---

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the exercise catalog",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Import practices and exercises from a JSON file",
	Long: `Import practices and exercises. The file holds {"practices": [...]} where each
practice has id, subject, title, content and a list of exercises with id,
statement, expected_solution and hint.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		practices, exercises, err := importCatalog(commandContext(cmd), client, f)
		if err != nil {
			return err
		}
		printSuccess("Imported %d practices with %d exercises", practices, exercises)
		return nil
	},
}

var catalogShowCmd = &cobra.Command{
	Use:   "show <practice> <exercise>",
	Short: "Show one exercise",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/v1/catalog/practices/%s/exercises/%s", url.PathEscape(args[0]), url.PathEscape(args[1]))
		resp, err := client.get(commandContext(cmd), path)
		if err != nil {
			return err
		}
		var ex catalog.Exercise
		if err := decodeJSON(resp, &ex); err != nil {
			return err
		}
		return printJSON(os.Stdout, ex)
	},
}

func init() {
	catalogCmd.AddCommand(catalogImportCmd, catalogShowCmd)
}

func importCatalog(ctx context.Context, client *apiClient, r io.Reader) (practices, exercises int, err error) {
	var doc catalog.Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return 0, 0, fmt.Errorf("decoding catalog: %w", err)
	}
	for _, p := range doc.Practices {
		resp, err := client.post(ctx, "/v1/catalog/exercises", p)
		if err != nil {
			return practices, exercises, err
		}
		var result struct {
			Exercises int `json:"exercises"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return practices, exercises, fmt.Errorf("practice %s: %w", p.ID, err)
		}
		practices++
		exercises += result.Exercises
	}
	return practices, exercises, nil
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
		for _, k := range config.ShowAll(cfg) {
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

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a stored value so the default applies again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret (API token, LLM API key) in the secret store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd, configSetSecretCmd)
}
