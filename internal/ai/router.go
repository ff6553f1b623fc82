package ai

// Route is the next step the orchestrator takes for a thread.
type Route string

const (
	// RouteReason runs the reasoning node: the thread ends in a user or tool message.
	RouteReason         Route = "continue_reasoning"
	RouteContinueTools  Route = "continue_tools"
	RouteAwaitInterrupt Route = "await_interrupt"
	RouteTerminate      Route = "terminate"
)

// NextRoute derives the next step from state alone, so a restarted process picks up
// exactly where the last checkpoint left off.
func NextRoute(s GraphState) Route {
	if s.PendingInterrupt != nil {
		return RouteAwaitInterrupt
	}
	if len(s.Messages) == 0 || s.Halted != "" {
		return RouteTerminate
	}
	switch s.Messages[len(s.Messages)-1].Role {
	case RoleUser, RoleTool:
		return RouteReason
	}
	unresolved := s.UnresolvedCalls()
	if len(unresolved) == 0 {
		return RouteTerminate
	}
	for _, call := range unresolved {
		if _, decided := s.Decisions[call.ID]; decided {
			continue
		}
		if s.Policy.RequiresReview(call) {
			return RouteAwaitInterrupt
		}
	}
	return RouteContinueTools
}
