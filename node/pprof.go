package node

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/obylite/obylite/util"
	"github.com/spf13/viper"
)

func (n *Node) startPProfIfEnabled() {
	if !viper.GetBool("pprof.enable") {
		return
	}
	url := fmt.Sprintf("localhost:%d", viper.GetInt("pprof.port"))
	n.Log().Infof("starting pprof on '%s'", url)

	go func() {
		util.AssertNoError(http.ListenAndServe(url, nil))
	}()
}
