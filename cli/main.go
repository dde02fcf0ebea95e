// Package main provides voicecli, a developer client for the voice relay.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/signagehq/voicerelay/internal/logger"
	"github.com/signagehq/voicerelay/internal/store"
	"github.com/signagehq/voicerelay/internal/tenant"
)

const (
	defaultAddr = "ws://localhost:8090/api/voice-stream"
	defaultDB   = "file:tenants.db?cache=shared&mode=rwc"

	// PCM16 mono at 16 kHz
	bytesPerMs = 16000 * 2 / 1000
)

var (
	addr  string
	token string
	orgID string
)

func main() {
	log.SetFlags(log.Ltime)

	root := &cobra.Command{
		Use:   "voicecli",
		Short: "Developer client for the voice relay",
	}

	root.PersistentFlags().StringVar(&addr, "addr", defaultAddr, "voice relay WebSocket address")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("VOICE_TOKEN"), "identity token (default $VOICE_TOKEN)")
	root.PersistentFlags().StringVar(&orgID, "org", "", "organization (tenant) id")

	root.AddCommand(streamCmd())
	root.AddCommand(pingCmd())
	root.AddCommand(seedCmd())
	root.AddCommand(promptCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func streamCmd() *cobra.Command {
	var (
		file      string
		chunkMs   int
		toolsPath string
		outPath   string
		wait      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream a raw PCM16 mono 16 kHz file and print the replies",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			if chunkMs <= 0 {
				return fmt.Errorf("--chunk-ms must be positive")
			}

			pcm, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read audio: %w", err)
			}

			var tools json.RawMessage
			if toolsPath != "" {
				data, err := os.ReadFile(toolsPath)
				if err != nil {
					return fmt.Errorf("read tools: %w", err)
				}
				if !json.Valid(data) {
					return fmt.Errorf("tools file is not valid JSON")
				}
				tools = data
			}

			var out io.Writer
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				out = f
			}

			client, err := NewClient(addr, token, orgID)
			if err != nil {
				return err
			}
			defer client.Close()

			go client.ReadFrames(func(f Frame, raw []byte) {
				printFrame(cmd.OutOrStdout(), out, f, raw)
			})

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)

			chunkSize := chunkMs * bytesPerMs
			ticker := time.NewTicker(time.Duration(chunkMs) * time.Millisecond)
			defer ticker.Stop()

			sent := 0
			for offset := 0; offset < len(pcm); offset += chunkSize {
				end := offset + chunkSize
				if end > len(pcm) {
					end = len(pcm)
				}
				var chunkTools json.RawMessage
				if offset == 0 {
					chunkTools = tools
				}
				if err := client.SendAudio(pcm[offset:end], chunkTools); err != nil {
					return fmt.Errorf("send audio: %w", err)
				}
				sent++

				select {
				case <-ticker.C:
				case <-interrupt:
					return nil
				case <-client.Done():
					return nil
				}
			}
			log.Printf("Sent %d chunks, waiting %s for replies", sent, wait)

			select {
			case <-time.After(wait):
			case <-interrupt:
			case <-client.Done():
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "raw PCM16 mono 16 kHz audio file")
	cmd.Flags().IntVar(&chunkMs, "chunk-ms", 100, "audio per frame in milliseconds")
	cmd.Flags().StringVar(&toolsPath, "tools", "", "JSON file with tool declarations sent on the first chunk")
	cmd.Flags().StringVar(&outPath, "out", "", "write model audio (PCM) to this file")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "time to wait for replies after the last chunk")
	return cmd
}

func pingCmd() *cobra.Command {
	var (
		count    int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Send application pings and print the pongs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := NewClient(addr, token, orgID)
			if err != nil {
				return err
			}
			defer client.Close()

			pongs := make(chan Frame, count)
			go client.ReadFrames(func(f Frame, raw []byte) {
				if f.Type == "pong" {
					pongs <- f
					return
				}
				printFrame(cmd.OutOrStdout(), nil, f, raw)
			})

			for i := 0; i < count; i++ {
				start := time.Now()
				if err := client.SendPing(); err != nil {
					return fmt.Errorf("send ping: %w", err)
				}
				select {
				case f := <-pongs:
					fmt.Fprintf(cmd.OutOrStdout(), "pong t=%d rtt=%s\n", f.T, time.Since(start).Round(time.Microsecond))
				case <-client.Done():
					return fmt.Errorf("connection closed")
				case <-time.After(5 * time.Second):
					return fmt.Errorf("timed out waiting for pong")
				}
				if i < count-1 {
					time.Sleep(interval)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 3, "number of pings")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "delay between pings")
	return cmd
}

func seedCmd() *cobra.Command {
	var (
		dbPath string
		file   string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load tenant fixtures from YAML into the sqlite tenant store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			f, err := LoadFixture(file)
			if err != nil {
				return err
			}

			s, err := store.NewSQLiteStore(dbPath)
			if err != nil {
				return err
			}
			defer s.Close()

			tenants, screens, err := Seed(context.Background(), s, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d tenants and %d screens into %s\n", tenants, screens, dbPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", defaultDB, "sqlite DSN")
	cmd.Flags().StringVar(&file, "file", "", "YAML fixture file")
	return cmd
}

func promptCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Print the system prompt rendered for --org",
		RunE: func(cmd *cobra.Command, args []string) error {
			if orgID == "" {
				return fmt.Errorf("--org is required")
			}
			s, err := store.NewSQLiteStore(dbPath)
			if err != nil {
				return err
			}
			defer s.Close()

			builder := tenant.NewBuilder(s, nil, logger.NewWithWriter(cmd.ErrOrStderr(), "warn", false))
			fmt.Fprintln(cmd.OutOrStdout(), builder.BuildSystemPrompt(context.Background(), orgID))
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", defaultDB, "sqlite DSN")
	return cmd
}
