package backup

import (
	"time"

	"github.com/google/uuid"

	"github.com/casapps/labops/src/internal/database/models"
	apperrors "github.com/casapps/labops/src/internal/errors"
)

// GateDecision is the dispatch-time outcome of dependency checking
type GateDecision int

const (
	// GateProceed means all prerequisites are satisfied
	GateProceed GateDecision = iota
	// GateHold means the job waits and stays due for the next tick
	GateHold
	// GateSkip means this cycle is skipped and nextRun advances
	GateSkip
	// GateFail means the job is recorded as failed without running
	GateFail
)

// prerequisiteEdges normalizes before/after declarations into a single
// direction: prerequisite -> dependent. A "before" edge on X referencing Y
// means Y must complete before X; an "after" edge on X referencing Y is the
// same relation declared from the other side, X before Y.
func prerequisiteEdges(jobs []models.BackupJob) map[uuid.UUID][]uuid.UUID {
	edges := make(map[uuid.UUID][]uuid.UUID)
	for _, job := range jobs {
		for _, dep := range job.Dependencies {
			switch dep.Relation {
			case models.RelationBefore:
				edges[dep.JobID] = append(edges[dep.JobID], job.ID)
			case models.RelationAfter:
				edges[job.ID] = append(edges[job.ID], dep.JobID)
			}
		}
	}
	return edges
}

// ValidateGraph checks referential integrity and acyclicity of the
// dependency relation across all jobs in a lab. It runs at job create and
// update time; cycles are never discovered at execution time.
func ValidateGraph(jobs []models.BackupJob) error {
	known := make(map[uuid.UUID]bool, len(jobs))
	for _, job := range jobs {
		known[job.ID] = true
	}
	for _, job := range jobs {
		for _, dep := range job.Dependencies {
			if dep.JobID == job.ID {
				return apperrors.ValidationError("job cannot depend on itself", "dependencies")
			}
			if !known[dep.JobID] {
				return apperrors.ValidationError("dependency references unknown job", "dependencies").
					WithDetail("job_id", dep.JobID.String())
			}
			if dep.Relation != models.RelationBefore && dep.Relation != models.RelationAfter {
				return apperrors.ValidationError("dependency relation must be before or after", "dependencies")
			}
		}
	}

	// Kahn's topological sort; anything left over sits on a cycle.
	edges := prerequisiteEdges(jobs)
	indegree := make(map[uuid.UUID]int, len(jobs))
	for _, job := range jobs {
		indegree[job.ID] = 0
	}
	for _, dependents := range edges {
		for _, d := range dependents {
			indegree[d]++
		}
	}

	queue := make([]uuid.UUID, 0, len(jobs))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, d := range edges[id] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if visited != len(jobs) {
		var cyclic []string
		for id, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, id.String())
			}
		}
		return apperrors.DependencyCycleError(cyclic)
	}
	return nil
}

// Prerequisites returns the jobs that must complete before the given job
// may start, resolved from its own before edges plus after edges declared
// by other jobs in the lab.
func Prerequisites(job *models.BackupJob, jobs []models.BackupJob) []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var prereqs []uuid.UUID
	add := func(id uuid.UUID) {
		if !seen[id] {
			seen[id] = true
			prereqs = append(prereqs, id)
		}
	}
	for _, dep := range job.Dependencies {
		if dep.Relation == models.RelationBefore {
			add(dep.JobID)
		}
	}
	for _, other := range jobs {
		if other.ID == job.ID {
			continue
		}
		for _, dep := range other.Dependencies {
			if dep.Relation == models.RelationAfter && dep.JobID == job.ID {
				add(other.ID)
			}
		}
	}
	return prereqs
}

// Dependents returns the ids of jobs that reference the given job in their
// dependency list. Deletion is blocked while this is non-empty.
func Dependents(jobID uuid.UUID, jobs []models.BackupJob) []uuid.UUID {
	var dependents []uuid.UUID
	for _, job := range jobs {
		if job.ID == jobID {
			continue
		}
		for _, dep := range job.Dependencies {
			if dep.JobID == jobID {
				dependents = append(dependents, job.ID)
				break
			}
		}
	}
	return dependents
}

// Gate decides whether a due job may be dispatched given the current state
// of its prerequisites. A prerequisite is satisfied when its most recent
// run completed and, if a freshness window is configured, completed within
// that window.
func Gate(job *models.BackupJob, jobs []models.BackupJob, now time.Time) GateDecision {
	byID := make(map[uuid.UUID]*models.BackupJob, len(jobs))
	for i := range jobs {
		byID[jobs[i].ID] = &jobs[i]
	}

	window := time.Duration(job.DependencyOpts.FreshnessWindowS) * time.Second
	for _, id := range Prerequisites(job, jobs) {
		prereq, ok := byID[id]
		if !ok || !prerequisiteSatisfied(prereq, window, now) {
			switch job.DependencyOpts.OnUnmet {
			case models.UnmetSkip:
				return GateSkip
			case models.UnmetFail:
				return GateFail
			default:
				return GateHold
			}
		}
	}
	return GateProceed
}

func prerequisiteSatisfied(prereq *models.BackupJob, window time.Duration, now time.Time) bool {
	if prereq.Execution.Status != models.JobStatusCompleted || prereq.Execution.CompletedAt == nil {
		return false
	}
	if window > 0 && now.Sub(*prereq.Execution.CompletedAt) > window {
		return false
	}
	return true
}
