package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"

	"github.com/cklxx/evalcore/evaluation/orchestrator"
)

// runFile is the on-disk shape a caller hands this binary: an
// ExecutionRequest plus the evaluator and agent metadata the assembler
// needs but spec.md §1 leaves to the caller to resolve.
type runFile struct {
	ProjectID        string                                            `yaml:"project_id"`
	ExperimentID     string                                             `yaml:"experiment_id"`
	RunID            string                                             `yaml:"run_id"`
	Scope            orchestrator.ExecutionScope                        `yaml:"scope"`
	Dataset          []orchestrator.DatasetEntry                        `yaml:"dataset"`
	Targets          []orchestrator.TargetConfig                        `yaml:"targets"`
	EvaluatorConfigs map[orchestrator.TargetID][]orchestrator.EvaluatorConfig `yaml:"evaluator_configs"`
	Evaluators       []orchestrator.Evaluator                           `yaml:"evaluators"`
	AgentNames       map[string]string                                  `yaml:"agent_names"`
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("EVALORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "eval-orchestrator",
		Short: "eval-orchestrator drives grids of dataset rows x targets through an execution backend",
		Long: `eval-orchestrator executes one evaluation run: it reads a run file
describing a dataset, a set of targets and their evaluators, submits each
cell to a remote execution backend over gRPC, and streams the resulting
event log to stdout as newline-delimited JSON.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "path to orchestrator config YAML (optional, env EVALORCH_CONFIG)")
	_ = v.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))

	cmd.AddCommand(newRunCommand(v))
	return cmd
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "execute one run described by a run file and stream its events to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), v.GetString("config"), v.GetString("run-file"))
		},
	}
	cmd.Flags().String("run-file", "", "path to a YAML run file, env EVALORCH_RUN_FILE")
	_ = v.BindPFlag("run-file", cmd.Flags().Lookup("run-file"))
	return cmd
}

func runOnce(ctx context.Context, configPath, runPath string) error {
	cfg, err := orchestrator.NewConfigManager().LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rf, err := loadRunFile(runPath)
	if err != nil {
		return fmt.Errorf("load run file: %w", err)
	}

	abort := buildAbortCoordinator(cfg)
	store := buildRunStore(ctx, cfg)
	backend, closeBackend, err := buildBackendClient(cfg)
	if err != nil {
		return fmt.Errorf("dial execution backend: %w", err)
	}
	defer closeBackend()

	var sink orchestrator.EventSink = orchestrator.NoopEventSink{}
	var metrics *orchestrator.RunMetrics
	if cfg.MetricsEnabled {
		metrics = orchestrator.NewRunMetrics()
	}

	assembler := orchestrator.NewWorkflowAssembler(noopPromptLoader{}, newStaticEvaluatorLoader(rf.Evaluators))
	agents := staticAgentLoader(rf.AgentNames)

	orch := orchestrator.NewOrchestrator(cfg, abort, assembler, agents, backend, store, sink, metrics)

	req := orchestrator.ExecutionRequest{
		ProjectID:        rf.ProjectID,
		ExperimentID:     rf.ExperimentID,
		RunID:            rf.RunID,
		Scope:            rf.Scope,
		Dataset:          rf.Dataset,
		Targets:          rf.Targets,
		EvaluatorConfigs: rf.EvaluatorConfigs,
		Evaluators:       rf.Evaluators,
	}

	events, err := orch.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			fmt.Fprintf(os.Stderr, "eval-orchestrator: failed to encode event: %v\n", err)
		}
	}
	return nil
}

func loadRunFile(path string) (*runFile, error) {
	if path == "" {
		return nil, fmt.Errorf("--run-file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf runFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, err
	}
	return &rf, nil
}

func buildAbortCoordinator(cfg *orchestrator.OrchestratorConfig) *orchestrator.AbortCoordinator {
	if cfg.RedisAddr == "" {
		return orchestrator.NewAbortCoordinator(orchestrator.NewMemoryKVStore())
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return orchestrator.NewAbortCoordinator(orchestrator.NewRedisKVStore(client))
}

func buildRunStore(ctx context.Context, cfg *orchestrator.OrchestratorConfig) orchestrator.RunStore {
	if cfg.PostgresDSN == "" {
		return orchestrator.NewMemoryRunStore()
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "eval-orchestrator: failed to connect to postgres, falling back to in-memory run store: %v\n", err)
		return orchestrator.NewMemoryRunStore()
	}
	return orchestrator.NewPGRunStore(pool)
}

func buildBackendClient(cfg *orchestrator.OrchestratorConfig) (orchestrator.BackendClient, func(), error) {
	conn, err := grpc.NewClient(cfg.BackendAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, func() {}, err
	}
	invoker := orchestrator.NewGenericGRPCStreamInvoker(conn, "/evalcore.backend.v1.Executor/ExecuteComponent")
	return orchestrator.NewGRPCBackendClient(invoker), func() { _ = conn.Close() }, nil
}

// noopPromptLoader never resolves a prompt reference; run files are
// expected to carry already-resolved prompts on PromptReference.Resolved,
// matching spec.md's "resolved by the caller" contract.
type noopPromptLoader struct{}

func (noopPromptLoader) Load(ref orchestrator.PromptReference) (*orchestrator.VersionedPrompt, bool) {
	return ref.Resolved, ref.Resolved != nil
}

// staticEvaluatorLoader resolves dbEvaluatorId against the evaluator
// records embedded in the run file.
type staticEvaluatorLoader struct {
	byID map[string]*orchestrator.Evaluator
}

func newStaticEvaluatorLoader(evaluators []orchestrator.Evaluator) *staticEvaluatorLoader {
	byID := make(map[string]*orchestrator.Evaluator, len(evaluators))
	for i := range evaluators {
		byID[evaluators[i].DBEvaluatorID] = &evaluators[i]
	}
	return &staticEvaluatorLoader{byID: byID}
}

func (l *staticEvaluatorLoader) Load(dbEvaluatorID string) (*orchestrator.Evaluator, bool) {
	e, ok := l.byID[dbEvaluatorID]
	return e, ok
}

// staticAgentLoader resolves dbAgentId to a display name from the run
// file's agent_names map.
type staticAgentLoader map[string]string

func (l staticAgentLoader) Name(dbAgentID string) (string, bool) {
	name, ok := l[dbAgentID]
	return name, ok
}
