package watch

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/swarmd/internal/hierarchy"
)

// PlanFile is the operator-authored plan document. It declares the
// hierarchy; runtime state (status, percentages, retry counters) never
// appears here and is never touched by a plan apply.
type PlanFile struct {
	Visions []PlanNode `yaml:"visions"`
}

// PlanNode is one authored node. Children default to the tier directly
// below their parent; Level overrides that for small plans that skip
// tiers (a vision whose children are roadmaps, say).
type PlanNode struct {
	ID           string   `yaml:"id"`
	Title        string   `yaml:"title"`
	Level        string   `yaml:"level,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty"`

	// Vision-only planning estimates for alignment scoring.
	EstimatedDays   float64  `yaml:"estimated_days,omitempty"`
	PlannedEpics    int      `yaml:"planned_epics,omitempty"`
	SuccessCriteria []string `yaml:"success_criteria,omitempty"`

	Children []PlanNode `yaml:"children,omitempty"`
}

// LoadPlan reads and decodes a plan file.
func LoadPlan(path string) (*PlanFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var plan PlanFile
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("decode plan file %s: %w", path, err)
	}
	return &plan, nil
}

// ApplyResult reports what one plan apply changed.
type ApplyResult struct {
	Created int
	Edited  int
	// Errors collects per-node failures; a bad node never aborts the
	// rest of the apply.
	Errors []error
}

// ApplyPlan folds the plan document into the store. Missing nodes are
// created; existing nodes pick up title and dependency changes through
// the versioned edit path. Nodes absent from the plan are left alone:
// the hierarchy never deletes.
func ApplyPlan(ctx context.Context, store *hierarchy.Store, plan *PlanFile) (*ApplyResult, error) {
	if store == nil {
		return nil, errors.New("hierarchy store is required")
	}
	if plan == nil {
		return nil, errors.New("plan is required")
	}

	res := &ApplyResult{}
	for i := range plan.Visions {
		applyNode(ctx, store, nil, &plan.Visions[i], res)
	}
	return res, nil
}

func applyNode(ctx context.Context, store *hierarchy.Store, parent *hierarchy.NodeRef, pn *PlanNode, res *ApplyResult) {
	if pn.ID == "" {
		res.Errors = append(res.Errors, fmt.Errorf("%w: plan node without id", hierarchy.ErrIntegrity))
		return
	}

	ref, err := resolveRef(parent, pn)
	if err != nil {
		res.Errors = append(res.Errors, err)
		return
	}

	existing, err := store.Node(ref)
	switch {
	case err == nil:
		if edited, eerr := editExisting(ctx, store, existing, pn); eerr != nil {
			res.Errors = append(res.Errors, eerr)
			return
		} else if edited {
			res.Edited++
		}
	case errors.Is(err, hierarchy.ErrNotFound):
		if cerr := createNode(ctx, store, parent, ref, pn); cerr != nil {
			res.Errors = append(res.Errors, cerr)
			return
		}
		res.Created++
	default:
		res.Errors = append(res.Errors, err)
		return
	}

	for i := range pn.Children {
		applyNode(ctx, store, &ref, &pn.Children[i], res)
	}
}

// resolveRef determines the node's level: roots are visions, an explicit
// level wins, else the tier below the parent.
func resolveRef(parent *hierarchy.NodeRef, pn *PlanNode) (hierarchy.NodeRef, error) {
	if parent == nil {
		return hierarchy.NodeRef{Level: hierarchy.LevelVision, ID: pn.ID}, nil
	}
	if pn.Level != "" {
		level, err := hierarchy.ParseLevel(pn.Level)
		if err != nil {
			return hierarchy.NodeRef{}, fmt.Errorf("plan node %s: %w", pn.ID, err)
		}
		return hierarchy.NodeRef{Level: level, ID: pn.ID}, nil
	}
	child, ok := parent.Level.Child()
	if !ok {
		return hierarchy.NodeRef{}, fmt.Errorf("%w: %s cannot have children", hierarchy.ErrIntegrity, parent.Level)
	}
	return hierarchy.NodeRef{Level: child, ID: pn.ID}, nil
}

func createNode(ctx context.Context, store *hierarchy.Store, parent *hierarchy.NodeRef, ref hierarchy.NodeRef, pn *PlanNode) error {
	node := &hierarchy.Node{
		ID:           pn.ID,
		Level:        ref.Level,
		Title:        pn.Title,
		Dependencies: pn.Dependencies,
	}
	if ref.Level == hierarchy.LevelVision && (pn.EstimatedDays > 0 || pn.PlannedEpics > 0 || len(pn.SuccessCriteria) > 0) {
		node.Plan = &hierarchy.VisionPlan{
			EstimatedDays:   pn.EstimatedDays,
			PlannedEpics:    pn.PlannedEpics,
			SuccessCriteria: pn.SuccessCriteria,
		}
	}

	return store.Update(ctx, func(tx *hierarchy.Tx) error {
		if parent == nil {
			return tx.AddVision(node)
		}
		return tx.AddChild(*parent, node)
	})
}

// editExisting applies title and dependency drift between the plan and
// the stored node through the CAS edit path. Reports whether an edit
// landed.
func editExisting(ctx context.Context, store *hierarchy.Store, existing *hierarchy.Node, pn *PlanNode) (bool, error) {
	titleChanged := pn.Title != "" && pn.Title != existing.Title
	depsChanged := pn.Dependencies != nil && !equalStrings(pn.Dependencies, existing.Dependencies)
	if !titleChanged && !depsChanged {
		return false, nil
	}

	err := store.EditNodeWithRetry(ctx, existing.Ref(), func(n *hierarchy.Node) error {
		if titleChanged {
			n.Title = pn.Title
		}
		if depsChanged {
			n.Dependencies = pn.Dependencies
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("edit %s: %w", existing.Ref(), err)
	}
	return true, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
