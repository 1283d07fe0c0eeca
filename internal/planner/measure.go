package planner

import (
	"fmt"

	"github.com/23skdu/longbow-mesh/internal/config"
	"github.com/23skdu/longbow-mesh/internal/engine"
	"github.com/23skdu/longbow-mesh/internal/logger"
)

const mib = 1 << 20

// Measure returns the memory cost of a model. Costs declared in the model's
// config (MiB) are used as is; otherwise a calculation-only transformer
// counts the parameters of the head and tail and of one block of each kind.
func Measure(cfg *config.Config, reader engine.ParameterReader) (MemoryCost, error) {
	if cfg.MemorySize.Complete() {
		return MemoryCost{
			Main:      cfg.MemorySize.Main * mib,
			Attention: cfg.MemorySize.AttentionLayer * mib,
			NeuralNet: cfg.MemorySize.NeuralNetLayer * mib,
		}, nil
	}

	t, err := engine.NewTransformer(cfg, reader, engine.CalculationOnly)
	if err != nil {
		return MemoryCost{}, err
	}
	if err := t.Init(); err != nil {
		return MemoryCost{}, fmt.Errorf("measure head: %w", err)
	}
	main := t.ParameterBytes()
	if err := t.AddDecoder(0, engine.AttentionBlock); err != nil {
		return MemoryCost{}, fmt.Errorf("measure attention: %w", err)
	}
	attention := t.ParameterBytes() - main
	if err := t.AddDecoder(0, engine.NeuralNetBlock); err != nil {
		return MemoryCost{}, fmt.Errorf("measure feed-forward: %w", err)
	}
	cost := MemoryCost{Main: main, Attention: attention, NeuralNet: t.ParameterBytes() - main - attention}

	logger.Component("planner").Debug("Measured model",
		"model", cfg.ModelID, "main", cost.Main, "attention", cost.Attention, "neural_net", cost.NeuralNet)
	return cost, nil
}
