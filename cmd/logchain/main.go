// Command logchain is the operator and agent CLI: key management, agent
// registration and rotation, shipping stdin lines as signed batches, and
// re-verifying a server or database against the chain invariants.
package main

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/karasz/logchain"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "logchain",
		Short:         "tamper-evident log shipping client and verifier",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(keygenCmd(), registerCmd(), rotateCmd(), submitCmd(), checkpointsCmd(), verifyCmd())
	return root
}

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate an Ed25519 agent identity",
		RunE: func(_ *cobra.Command, _ []string) error {
			pub, priv, err := logchain.GenerateKeypair()
			if err != nil {
				return err
			}
			if err := os.WriteFile(out+".key", []byte(hex.EncodeToString(priv)+"\n"), 0600); err != nil {
				return err
			}
			if err := os.WriteFile(out+".pub", []byte(hex.EncodeToString(pub)+"\n"), 0644); err != nil {
				return err
			}
			fmt.Printf("wrote %s.key and %s.pub\npublic key: %x\n", out, out, pub)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "agent", "output file prefix")
	return cmd
}

func registerCmd() *cobra.Command {
	var server, agentID, keyFile string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "register an agent's public key with the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			priv, err := readPrivateKey(keyFile)
			if err != nil {
				return err
			}
			pub := priv.Public().(ed25519.PublicKey)
			return logchain.NewClient(server).Register(cmd.Context(), agentID, logchain.HexBytes(pub))
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent identifier")
	cmd.Flags().StringVar(&keyFile, "key", "agent.key", "private key file")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func rotateCmd() *cobra.Command {
	var server, agentID, oldKeyFile, newKeyFile string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "rotate an agent to a new key, attested by the old one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			oldPriv, err := readPrivateKey(oldKeyFile)
			if err != nil {
				return err
			}
			newPriv, err := readPrivateKey(newKeyFile)
			if err != nil {
				return err
			}
			newPub := newPriv.Public().(ed25519.PublicKey)
			sig := logchain.SignRotation(oldPriv, newPub)
			return logchain.NewClient(server).Rotate(cmd.Context(), agentID,
				logchain.HexBytes(newPub), logchain.HexBytes(sig))
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent identifier")
	cmd.Flags().StringVar(&oldKeyFile, "old-key", "agent.key", "current private key file")
	cmd.Flags().StringVar(&newKeyFile, "new-key", "", "replacement private key file")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("new-key")
	return cmd
}

func submitCmd() *cobra.Command {
	var server, agentID, keyFile, bearer string
	var batchSize int
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "ship stdin lines to the server as signed batches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			priv, err := readPrivateKey(keyFile)
			if err != nil {
				return err
			}
			client := logchain.NewClient(server)
			client.BearerToken = bearer

			batcher, err := logchain.NewBatcher(agentID, priv)
			if err != nil {
				return err
			}
			if cp, ok, err := client.Checkpoint(cmd.Context(), agentID); err != nil {
				return err
			} else if ok {
				batcher.Resync(cp)
			}

			sc := bufio.NewScanner(os.Stdin)
			sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
			var lines []string
			flush := func() error {
				if len(lines) == 0 {
					return nil
				}
				if err := ship(cmd.Context(), client, batcher, lines); err != nil {
					return err
				}
				lines = nil
				return nil
			}
			for sc.Scan() {
				lines = append(lines, sc.Text())
				if len(lines) >= batchSize {
					if err := flush(); err != nil {
						return err
					}
				}
			}
			if err := sc.Err(); err != nil {
				return err
			}
			return flush()
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent identifier")
	cmd.Flags().StringVar(&keyFile, "key", "agent.key", "private key file")
	cmd.Flags().StringVar(&bearer, "bearer", "", "bearer token for /submit")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "lines per batch")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

// ship seals and submits one batch, resynchronizing once if the server
// reports the local head stale.
func ship(ctx context.Context, client *logchain.Client, batcher *logchain.Batcher, lines []string) error {
	sub, err := batcher.Seal(lines, time.Now())
	if err != nil {
		return err
	}
	res, err := client.Submit(ctx, sub)
	var cv *logchain.ChainViolationError
	if errors.As(err, &cv) {
		batcher.ResyncTo(cv)
		if sub, err = batcher.Seal(lines, time.Now()); err != nil {
			return err
		}
		if res, err = client.Submit(ctx, sub); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	fmt.Printf("batch %d accepted id=%d hash=%s duplicate=%v\n", sub.Seq, res.ID, res.Hash, res.Duplicate)
	return nil
}

func checkpointsCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "print the chain head of every agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cps, err := logchain.NewClient(server).Checkpoints(cmd.Context())
			if err != nil {
				return err
			}
			for _, cp := range cps {
				fmt.Printf("%s\tseq=%d\thash=%s\n", cp.AgentID, cp.LatestSeq, cp.LatestHash)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "server base URL")
	return cmd
}

func verifyCmd() *cobra.Command {
	var server, db string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "replay the store and recompute the full chain",
		Long: `Replays the export surface and recomputes every hash, link, and seq.
With --db the registry is available and signatures are verified against the
key current at each batch's ingestion; with --server only chain structure
and hashes are checked.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var verifier *logchain.Verifier
			switch {
			case db != "":
				store, err := logchain.OpenSQLiteStore(db)
				if err != nil {
					return err
				}
				defer store.Close()
				verifier = logchain.NewVerifier(store, store)
			case server != "":
				verifier = logchain.NewVerifier(logchain.NewClient(server), nil)
			default:
				return errors.New("one of --db or --server is required")
			}
			report, err := verifier.VerifyAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("verified %d batches across %d agents\n", report.Batches, report.Agents)
			if report.OK() {
				fmt.Println("chain intact")
				return nil
			}
			var sb strings.Builder
			for _, p := range report.Problems {
				fmt.Fprintf(&sb, "  %s\n", p)
			}
			return fmt.Errorf("%d problems detected:\n%s", len(report.Problems), sb.String())
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "server base URL")
	cmd.Flags().StringVar(&db, "db", "", "path to the server database file")
	return cmd
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("%s: not a hex private key: %w", path, err)
	}
	switch len(key) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(key), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(key), nil
	default:
		return nil, fmt.Errorf("%s: private key must be %d or %d bytes, got %d",
			path, ed25519.PrivateKeySize, ed25519.SeedSize, len(key))
	}
}
