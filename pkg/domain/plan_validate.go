package domain

import "sort"

// ValidatePlanDAG enforces the RecoveryPlan invariants from §3: wave
// numbers form a dense 1..N range, dependsOn references earlier
// waveNumbers only, and the dependency graph has no cycles. It is called
// both by the catalog at plan-authoring time and again by the Command
// Gateway at StartExecution per the design note in §9 ("the core
// revalidates on StartExecution").
func ValidatePlanDAG(plan RecoveryPlan) error {
	n := len(plan.Waves)
	if n == 0 {
		return NewValidationError(ErrCodeMissingField, "waves", "plan has no waves")
	}

	seen := make(map[int]WaveSpec, n)
	for _, w := range plan.Waves {
		if _, dup := seen[w.WaveNumber]; dup {
			return NewValidationError(ErrCodeCircularDependency, "waves", "duplicate waveNumber")
		}
		seen[w.WaveNumber] = w
	}
	for i := 1; i <= n; i++ {
		if _, ok := seen[i]; !ok {
			return NewValidationError(ErrCodeCircularDependency, "waves", "waveNumbers are not a dense 1..N range")
		}
	}
	for _, w := range plan.Waves {
		for _, dep := range w.DependsOn {
			if dep >= w.WaveNumber {
				return NewValidationError(ErrCodeCircularDependency, "dependsOn", "dependency must reference an earlier waveNumber")
			}
			if _, ok := seen[dep]; !ok {
				return NewValidationError(ErrCodeCircularDependency, "dependsOn", "dependency references an unknown waveNumber")
			}
		}
	}
	// dependsOn-earlier-only already rules out cycles (a cycle would need
	// some wave to depend, transitively, on a later one), but walk it
	// explicitly so a future relaxation of that rule can't silently admit one.
	if cyclic(plan.Waves) {
		return NewValidationError(ErrCodeCircularDependency, "dependsOn", "dependency graph contains a cycle")
	}
	return nil
}

func cyclic(waves []WaveSpec) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	byNumber := make(map[int]WaveSpec, len(waves))
	for _, w := range waves {
		byNumber[w.WaveNumber] = w
	}
	color := make(map[int]int, len(waves))

	var visit func(n int) bool
	visit = func(n int) bool {
		color[n] = gray
		deps := append([]int(nil), byNumber[n].DependsOn...)
		sort.Ints(deps)
		for _, d := range deps {
			switch color[d] {
			case gray:
				return true
			case white:
				if visit(d) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}

	numbers := make([]int, 0, len(waves))
	for n := range byNumber {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		if color[n] == white {
			if visit(n) {
				return true
			}
		}
	}
	return false
}

// ReadyWaves returns the wave numbers whose dependencies are all
// COMPLETED or SKIPPED (per §4.2's wave-scheduling rule) and which have
// not yet started, in ascending order.
func ReadyWaves(plan RecoveryPlan, waveStatus map[int]WaveExecutionStatus) []int {
	ready := make([]int, 0, len(plan.Waves))
	for _, w := range plan.Waves {
		if waveStatus[w.WaveNumber] != WavePending {
			continue
		}
		if dependenciesSucceeded(w.DependsOn, waveStatus) {
			ready = append(ready, w.WaveNumber)
		}
	}
	sort.Ints(ready)
	return ready
}

func dependenciesSucceeded(deps []int, waveStatus map[int]WaveExecutionStatus) bool {
	for _, d := range deps {
		s := waveStatus[d]
		if s != WaveCompleted && s != WaveSkipped {
			return false
		}
	}
	return true
}

// DependencyFailed reports whether any of wave's dependencies settled into
// a terminal status other than COMPLETED/SKIPPED (FAILED or PARTIAL),
// meaning the wave itself must be SKIPPED rather than attempted — the
// resolved Open Question in §9: FAILED (and, by the same policy, PARTIAL)
// dependencies skip their downstream rather than letting it run.
func DependencyFailed(deps []int, waveStatus map[int]WaveExecutionStatus) bool {
	for _, d := range deps {
		s := waveStatus[d]
		if s.Terminal() && s != WaveCompleted && s != WaveSkipped {
			return true
		}
	}
	return false
}
