package events

import (
	"fmt"
	"sync"
	"testing"

	"github.com/obylite/obylite/global"
	"github.com/obylite/obylite/util/eventtype"
)

func TestEvents(t *testing.T) {
	glb := global.NewDefault()
	glb.EnableTraceTags(TraceTag)
	e := New(glb)

	EventTypeTestString := eventtype.RegisterNew[string]("a string event")
	EventTypeTestInt := eventtype.RegisterNew[int]("an int event")

	var wg sync.WaitGroup
	wg.Add(2)
	e.OnEvent(EventTypeTestString, func(arg string) {
		fmt.Printf("event string -> %s\n", arg)
		wg.Done()
	})
	e.OnEvent(EventTypeTestInt, func(arg int) {
		fmt.Printf("event int -> %d\n", arg)
		wg.Done()
	})

	e.PostEvent(EventTypeTestString, "kuku")
	e.PostEvent(EventTypeTestInt, 31415)
	wg.Wait()
	glb.Stop()
	glb.WaitAllWorkProcessesStop()
}
