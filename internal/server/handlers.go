package server

import (
	"context"
	"fmt"
	"time"

	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/protocol"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/rpc"
	"github.com/wolkenwelten/wolkenwelten-ts-sub001/internal/sim/mining"
)

// registerHandlers installs the methods a client may call. Handlers run on
// the queue's goroutines; anything that reads or writes game state goes
// through Submit.
func (g *Game) registerHandlers(c *Conn) {
	q := c.rpc
	id := c.ID

	q.RegisterCallHandler(protocol.MethodGetPlayerID, rpc.Handle0(func(context.Context) (int, error) {
		return id, nil
	}))

	q.RegisterCallHandler(protocol.MethodSetPlayerName, rpc.Handle(func(ctx context.Context, name string) (string, error) {
		return "", g.onConn(ctx, c, func() { g.rename(c, name, true) })
	}))

	q.RegisterCallHandler(protocol.MethodSetPlayerStatus, rpc.Handle(func(ctx context.Context, status string) (any, error) {
		return nil, g.onConn(ctx, c, func() {
			c.Status = status
			g.broadcastPlayerList()
		})
	}))

	q.RegisterCallHandler(protocol.MethodAddLogEntry, rpc.Handle(func(ctx context.Context, text string) (string, error) {
		return "", g.onConn(ctx, c, func() { g.logEntry(c, text, time.Now()) })
	}))

	q.RegisterCallHandler(protocol.MethodPlayerDeath, rpc.Handle(func(ctx context.Context, attacker int) (any, error) {
		return nil, g.onConn(ctx, c, func() {
			c.Deaths++
			if attacker != 0 && attacker != c.ID {
				if a := g.conns[attacker]; a != nil {
					a.Kills++
				}
			}
			g.broadcastPlayerList()
		})
	}))

	q.RegisterCallHandler(protocol.MethodPlaySound, rpc.Handle(func(ctx context.Context, args protocol.PlaySoundArgs) (any, error) {
		return nil, g.onConn(ctx, c, func() { g.callOthers(c.ID, protocol.MethodPlaySound, args) })
	}))

	q.RegisterCallHandler(protocol.MethodPlayerJump, rpc.Handle(func(ctx context.Context, args protocol.PlayerJumpArgs) (any, error) {
		args.PlayerID = id
		return nil, g.onConn(ctx, c, func() { g.callOthers(c.ID, protocol.MethodPlayerJump, args) })
	}))

	q.RegisterCallHandler(protocol.MethodMineBlock, rpc.Handle(func(ctx context.Context, args protocol.MineBlockArgs) (protocol.MineBlockResult, error) {
		var tool mining.Tool
		if args.Tool != "" {
			tool = mining.ToolFor(g.cats, args.Tool, nil)
			if tool == nil {
				return protocol.MineBlockResult{}, fmt.Errorf("%w: unknown tool %q", rpc.ErrBadArgs, args.Tool)
			}
		}
		var res protocol.MineBlockResult
		err := g.onConn(ctx, c, func() { res = g.mine(c, args, tool) })
		return res, err
	}))
}

// onConn runs fn on the loop unless c has left in the meantime.
func (g *Game) onConn(ctx context.Context, c *Conn, fn func()) error {
	var gone bool
	err := g.Submit(ctx, func() {
		if c.closed {
			gone = true
			return
		}
		fn()
	})
	if err != nil {
		return err
	}
	if gone {
		return errConnClosed
	}
	return nil
}

func (g *Game) mine(c *Conn, args protocol.MineBlockArgs, tool mining.Tool) protocol.MineBlockResult {
	out := g.mining.Mine(c.ID, args.X, args.Y, args.Z, tool)
	res := protocol.MineBlockResult{Outcome: out.String()}
	switch out {
	case mining.Completed:
		res.Progress = 1
	case mining.InProgress:
		if a, ok := g.mining.Action(args.X, args.Y, args.Z); ok {
			res.Progress = a.Progress
		}
	}
	return res
}
