package service

import "wikirace-server/internal/domain"

type operation string

const (
	opJoin      operation = "join"
	opReconnect operation = "reconnect"
	opLeave     operation = "leave"
	opStart     operation = "start"
	opProgress  operation = "progress"
	opComplete  operation = "complete"
	opConfigure operation = "configure"
)

// legalStates 每个操作允许执行的房间状态
var legalStates = map[operation][]domain.GameState{
	opJoin:      {domain.GameStateLobby, domain.GameStateCompleted},
	opReconnect: {domain.GameStateLobby, domain.GameStateStarting, domain.GameStateInProgress, domain.GameStateCompleted},
	opLeave:     {domain.GameStateLobby, domain.GameStateStarting, domain.GameStateInProgress, domain.GameStateCompleted},
	opStart:     {domain.GameStateLobby},
	opProgress:  {domain.GameStateInProgress, domain.GameStateCompleted},
	opComplete:  {domain.GameStateInProgress, domain.GameStateCompleted},
	opConfigure: {domain.GameStateLobby, domain.GameStateCompleted},
}

func allowed(op operation, state domain.GameState) bool {
	for _, s := range legalStates[op] {
		if s == state {
			return true
		}
	}
	return false
}

func checkState(op operation, state domain.GameState) error {
	if !allowed(op, state) {
		return ErrInvalidState
	}
	return nil
}
