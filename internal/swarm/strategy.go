package swarm

import (
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/conductor/internal/config"
)

type Kind string

const (
	KindHierarchical Kind = "hierarchical"
	KindMarket       Kind = "market"
	KindConsensus    Kind = "consensus"
)

// Ranking orders candidates for hierarchical assignment.
type Ranking string

const (
	RankStatic     Ranking = "static"      // priority ascending, then id
	RankWeighted   Ranking = "weighted"    // capability score descending, load ascending, then id
	RankRoundRobin Ranking = "round_robin" // rotate over candidates sorted by id
)

type ConsensusType string

const (
	ConsensusMajority  ConsensusType = "majority"
	ConsensusUnanimous ConsensusType = "unanimous"
	ConsensusLeader    ConsensusType = "leader"
)

// Strategy selects how a coordination round picks a winner. Only the
// fields relevant to Kind are read.
type Strategy struct {
	Kind      Kind          `json:"kind"`
	Ranking   Ranking       `json:"ranking,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
	Consensus ConsensusType `json:"consensus,omitempty"`
	Voters    []string      `json:"voters,omitempty"`
}

func Hierarchical(r Ranking) Strategy {
	return Strategy{Kind: KindHierarchical, Ranking: r}
}

func Market(timeout time.Duration) Strategy {
	return Strategy{Kind: KindMarket, Timeout: timeout}
}

func Consensus(ct ConsensusType, timeout time.Duration, voters ...string) Strategy {
	return Strategy{Kind: KindConsensus, Consensus: ct, Timeout: timeout, Voters: voters}
}

func (s Strategy) String() string {
	switch s.Kind {
	case KindHierarchical:
		return fmt.Sprintf("hierarchical/%s", s.Ranking)
	case KindConsensus:
		return fmt.Sprintf("consensus/%s", s.Consensus)
	default:
		return string(s.Kind)
	}
}

// Validate fills defaults and rejects unknown parameters.
func (s Strategy) Validate() (Strategy, error) {
	switch s.Kind {
	case KindHierarchical:
		switch s.Ranking {
		case "":
			s.Ranking = RankWeighted
		case RankStatic, RankWeighted, RankRoundRobin:
		default:
			return s, fmt.Errorf("unknown ranking %q", s.Ranking)
		}
	case KindMarket:
	case KindConsensus:
		switch s.Consensus {
		case "":
			s.Consensus = ConsensusMajority
		case ConsensusMajority, ConsensusUnanimous, ConsensusLeader:
		default:
			return s, fmt.Errorf("unknown consensus type %q", s.Consensus)
		}
	default:
		return s, fmt.Errorf("unknown strategy %q", s.Kind)
	}
	if s.Timeout < 0 {
		return s, fmt.Errorf("negative round timeout")
	}
	return s, nil
}

// ParseStrategy accepts "hierarchical", "market", "consensus" and the
// qualified forms "hierarchical/static" or "consensus/unanimous".
func ParseStrategy(name string) (Strategy, error) {
	return StrategyFromConfig(name, config.SwarmConfig{})
}

// StrategyFromConfig parses name and fills the parameters it leaves out
// from the swarm section of the config.
func StrategyFromConfig(name string, cfg config.SwarmConfig) (Strategy, error) {
	kind, param, _ := strings.Cut(strings.TrimSpace(name), "/")
	s := Strategy{Kind: Kind(kind), Timeout: cfg.RoundTimeout}
	switch s.Kind {
	case KindHierarchical:
		s.Ranking = Ranking(cfg.Ranking)
		if param != "" {
			s.Ranking = Ranking(param)
		}
	case KindConsensus:
		s.Consensus = ConsensusType(cfg.ConsensusType)
		if param != "" {
			s.Consensus = ConsensusType(param)
		}
		s.Voters = cfg.Observers
	case KindMarket:
		if param != "" {
			return s, fmt.Errorf("market strategy takes no parameter")
		}
	}
	return s.Validate()
}
