package events

import (
	"github.com/obylite/obylite/core/work_process"
	"github.com/obylite/obylite/global"
	"github.com/obylite/obylite/ledger"
	"github.com/obylite/obylite/util"
	"github.com/obylite/obylite/util/eventtype"
)

type (
	Input struct {
		cmdCode   byte
		eventCode eventtype.EventCode
		arg       any
	}

	environment interface {
		global.NodeGlobal
	}

	Events struct {
		*work_process.WorkProcess[Input]
		eventHandlers map[eventtype.EventCode][]func(any)
	}
)

var (
	// EventUnitAdded is posted after a unit has been added to the DAG, with its ID
	EventUnitAdded = eventtype.RegisterNew[ledger.UnitID]("unit_added")
	// EventMCIStabilized is posted after the stability frontier advanced to the index
	EventMCIStabilized = eventtype.RegisterNew[uint32]("mci_stabilized")
)

const (
	cmdCodeAddHandler = byte(iota)
	cmdCodePostEvent
)

const (
	Name     = "events"
	TraceTag = Name
)

func New(env environment) *Events {
	ret := &Events{
		eventHandlers: make(map[eventtype.EventCode][]func(any)),
	}
	ret.WorkProcess = work_process.New[Input](env, Name, ret.consume)
	ret.WorkProcess.Start()
	return ret
}

func (d *Events) consume(inp Input) {
	switch inp.cmdCode {
	case cmdCodeAddHandler:
		handlers := d.eventHandlers[inp.eventCode]
		if len(handlers) == 0 {
			handlers = []func(any){inp.arg.(func(any))}
		} else {
			handlers = append(handlers, inp.arg.(func(any)))
		}
		d.eventHandlers[inp.eventCode] = handlers
		d.Tracef(TraceTag, "added event handler for event code '%s'", inp.eventCode.String)
	case cmdCodePostEvent:
		d.Tracef(TraceTag, "posted event '%s'", inp.eventCode.String)
		for _, fun := range d.eventHandlers[inp.eventCode] {
			fun(inp.arg)
		}
	}
}

// OnEvent is async
func (d *Events) OnEvent(eventCode eventtype.EventCode, fun any) {
	handler, err := eventtype.MakeHandler(eventCode, fun)
	util.AssertNoError(err)
	d.Queue.Push(Input{
		cmdCode:   cmdCodeAddHandler,
		eventCode: eventCode,
		arg:       handler,
	})
}

func (d *Events) PostEvent(eventCode eventtype.EventCode, arg any) {
	d.Queue.Push(Input{
		cmdCode:   cmdCodePostEvent,
		eventCode: eventCode,
		arg:       arg,
	})
}
