package agentcli

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/neuroplastio/tbpatch/internal/backupsvc"
	"github.com/neuroplastio/tbpatch/internal/devsvc"
	"github.com/neuroplastio/tbpatch/internal/patcher"
	"github.com/neuroplastio/tbpatch/internal/patchset"
	"github.com/neuroplastio/tbpatch/pkg/agent"
	"github.com/spf13/cobra"
)

var ErrAborted = errors.New("aborted")

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd, s := newRootCmd(filepath.Join(dir, "tbpatch"))
	defer s.close()
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

// session owns the agent of a single command invocation.
type session struct {
	agent *agent.Agent
}

func (s *session) close() error {
	if s.agent == nil {
		return nil
	}
	err := s.agent.Close()
	s.agent = nil
	return err
}

type agentProvider func() *agent.Agent

func defaultConfig(configDir string) agent.Config {
	return agent.Config{
		DataDir:      filepath.Join(configDir, "data"),
		DeviceConfig: filepath.Join(configDir, "devices.yml"),
	}
}

func NewRootCmd(configDir string) *cobra.Command {
	cmd, _ := newRootCmd(configDir)
	return cmd
}

func newRootCmd(configDir string) (*cobra.Command, *session) {
	cfg := defaultConfig(configDir)
	s := &session{}
	rootCmd := &cobra.Command{
		Use:           "tbpatch",
		Short:         "TPS6598x EEPROM patcher",
		Long:          `tbpatch discovers TPS6598x USB-PD controllers and patches, dumps and restores their firmware EEPROM.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	flags.StringVar(&cfg.DeviceConfig, "device-config", cfg.DeviceConfig, "device config file")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "verbose logging")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		env := defaultConfig(configDir)
		if err := env.ApplyEnv(); err != nil {
			return err
		}
		// flags win over the environment
		if !cmd.Flags().Changed("data-dir") {
			cfg.DataDir = env.DataDir
		}
		if !cmd.Flags().Changed("device-config") {
			cfg.DeviceConfig = env.DeviceConfig
		}
		if !cmd.Flags().Changed("verbose") {
			cfg.Verbose = env.Verbose
		}
		var err error
		s.agent, err = agent.NewAgent(cfg)
		return err
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		return s.close()
	}
	provider := func() *agent.Agent {
		return s.agent
	}
	rootCmd.AddCommand(NewWatch(provider))
	rootCmd.AddCommand(NewListDevices(provider))
	rootCmd.AddCommand(NewDump(provider))
	rootCmd.AddCommand(NewPatch(provider))
	rootCmd.AddCommand(NewStatus(provider))
	rootCmd.AddCommand(NewBackups(provider))
	rootCmd.AddCommand(NewRestore(provider))
	return rootCmd, s
}

func discover(ctx context.Context, a *agent.Agent) (*devsvc.Registry, error) {
	task, err := a.DiscoverDevices(ctx)
	if err != nil {
		return nil, err
	}
	return task.Wait(ctx)
}

func resolve(ctx context.Context, a *agent.Agent, selector string) (*devsvc.Device, error) {
	if _, err := discover(ctx, a); err != nil {
		return nil, err
	}
	return a.ResolveDevice(selector)
}

func printValue(w io.Writer, format string, v any) error {
	var (
		b   []byte
		err error
	)
	switch format {
	case "json":
		b, err = json.MarshalIndent(v, "", "  ")
		if err == nil {
			b = append(b, '\n')
		}
	case "yaml":
		b, err = yaml.Marshal(v)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func confirm(cmd *cobra.Command, prompt string) error {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N] ", prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	default:
		return ErrAborted
	}
}

func NewWatch(getAgent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch for devices",
		Long:  `Rediscover devices periodically and whenever the device config changes, logging connects and disconnects.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAgent().Run(cmd.Context())
		},
	}
}

func NewListDevices(getAgent agentProvider) *cobra.Command {
	var (
		known  bool
		format string
	)
	cmd := &cobra.Command{
		Use:   "list-devices",
		Short: "List devices",
		Long:  `List connected TPS6598x controllers, or every controller seen before with --known.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getAgent()
			if known {
				devices, err := a.KnownDevices()
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), format, devices)
			}
			registry, err := discover(cmd.Context(), a)
			if err != nil {
				return err
			}
			devices := registry.All()
			if devices == nil {
				devices = []*devsvc.Device{}
			}
			return printValue(cmd.OutOrStdout(), format, devices)
		},
	}
	cmd.Flags().BoolVar(&known, "known", false, "list every device seen before")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or yaml")
	return cmd
}

func NewDump(getAgent agentProvider) *cobra.Command {
	var (
		output string
		offset uint32
		size   uint32
	)
	cmd := &cobra.Command{
		Use:   "dump <device>",
		Short: "Dump EEPROM contents",
		Long:  `Read the device EEPROM and write it raw to a file, or as a hex dump to stdout.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a := getAgent()
			dev, err := resolve(ctx, a, args[0])
			if err != nil {
				return err
			}
			task, err := a.EEPROMDump(ctx, dev, offset, size)
			if err != nil {
				return err
			}
			data, err := task.Wait(ctx)
			if err != nil {
				return err
			}
			if output == "" {
				dumper := hex.Dumper(cmd.OutOrStdout())
				defer dumper.Close()
				_, err = dumper.Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return fmt.Errorf("failed to write dump: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", len(data), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file")
	cmd.Flags().Uint32Var(&offset, "offset", 0, "start offset")
	cmd.Flags().Uint32Var(&size, "size", 0, "bytes to read, 0 reads to the end")
	return cmd
}

func loadPatch(a *agent.Agent, path string) (*patchset.Document, *patchset.PatchSet, error) {
	doc, err := patchset.Load(path)
	if err != nil {
		return nil, nil, err
	}
	ps, err := a.GeneratePatchSets(doc.Records())
	if err != nil {
		return nil, nil, err
	}
	return doc, ps, nil
}

func NewPatch(getAgent agentProvider) *cobra.Command {
	var (
		reverse  bool
		yes      bool
		noBackup bool
	)
	cmd := &cobra.Command{
		Use:   "patch <device> <patch-file>",
		Short: "Apply a patch",
		Long:  `Apply a patch file to the device EEPROM, or revert it with --reverse. The patched window is backed up first.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			a := getAgent()
			doc, ps, err := loadPatch(a, args[1])
			if err != nil {
				return err
			}
			dev, err := resolve(ctx, a, args[0])
			if err != nil {
				return err
			}
			if welcome := doc.Messages().Welcome; welcome != "" {
				fmt.Fprintln(out, strings.TrimSpace(welcome))
			}
			action := "Apply"
			if reverse {
				action = "Revert"
			}
			if !yes {
				if err := confirm(cmd, fmt.Sprintf("%s %d operations on %s?", action, ps.Len(), dev.Key())); err != nil {
					return err
				}
			}
			opts := []agent.PatchOption{agent.WithProgress(func(p patcher.Progress) {
				if p.State == patcher.StateApplying && p.Index >= 0 {
					status := "done"
					if p.Skipped {
						status = "skipped"
					}
					fmt.Fprintf(out, "[%d/%d] %s\n", p.Index+1, p.Total, status)
				}
			})}
			if noBackup {
				opts = append(opts, agent.WithoutBackup())
			}
			task, err := a.EEPROMPatch(ctx, dev, ps, reverse, opts...)
			if err != nil {
				return err
			}
			result, err := task.Wait(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d applied, %d skipped\n", result.Applied, result.Skipped)
			if complete := doc.Messages().Complete; complete != "" {
				fmt.Fprintln(out, strings.TrimSpace(complete))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reverse, "reverse", false, "revert the patch")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "skip the backup of the patched window")
	return cmd
}

func NewStatus(getAgent agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "status <device> <patch-file>",
		Short: "Check whether a patch is applied",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a := getAgent()
			_, ps, err := loadPatch(a, args[1])
			if err != nil {
				return err
			}
			dev, err := resolve(ctx, a, args[0])
			if err != nil {
				return err
			}
			task, err := a.PatchStatus(ctx, dev, ps)
			if err != nil {
				return err
			}
			match, err := task.Wait(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", dev.Key(), match)
			return nil
		},
	}
}

func NewBackups(getAgent agentProvider) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "backups [device]",
		Short: "List backups",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a := getAgent()
			var dev *devsvc.Device
			if len(args) == 1 {
				var err error
				dev, err = resolve(ctx, a, args[0])
				if err != nil {
					return err
				}
			}
			backups, err := a.Backups(dev)
			if err != nil {
				return err
			}
			if backups == nil {
				backups = []backupsvc.Backup{}
			}
			return printValue(cmd.OutOrStdout(), format, backups)
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or yaml")
	return cmd
}

func NewRestore(getAgent agentProvider) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "restore <device> <backup-id>",
		Short: "Restore a backup",
		Long:  `Write a stored backup back to the device EEPROM. The backup id may be abbreviated to its last characters.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a := getAgent()
			dev, err := resolve(ctx, a, args[0])
			if err != nil {
				return err
			}
			if !yes {
				if err := confirm(cmd, fmt.Sprintf("Restore backup %s on %s?", args[1], dev.Key())); err != nil {
					return err
				}
			}
			task, err := a.Restore(ctx, dev, args[1])
			if err != nil {
				return err
			}
			backup, err := task.Wait(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s: %d bytes at 0x%x\n", backup.ID, backup.Size, backup.Offset)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
