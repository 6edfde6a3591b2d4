package node

import (
	"strings"

	"github.com/obylite/obylite/global"
	"github.com/obylite/obylite/ledger"
	"github.com/obylite/obylite/util"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func init() {
	pflag.String(global.ConfigKeyLoggerLevel, "info", "log level")
	pflag.String(global.ConfigKeyLoggerTimeLayout, global.TimeLayoutDefault, "time format")
	pflag.String(global.ConfigKeyLoggerOutput, "stdout", "a list where to write log")

	pflag.String(global.ConfigKeyChainStateDBName, global.ChainStateDBName, "name of the chain state database")
	pflag.StringSlice(global.ConfigKeyWitnesses, nil, "witness addresses, hex encoded")
	pflag.Uint16(global.ConfigKeyWitnessQuorum, 0, "witness quorum, 0 means majority of the witness list")
	pflag.Int(global.ConfigKeyMaxMCIsPerTrigger, 0, "how many MCIs one stability trigger may process")
	pflag.Int(global.ConfigKeyPrunerTTLSec, 300, "how long a stable unit is kept in memory after last touch")
	pflag.Int(global.ConfigKeyWriteLockTimeoutSec, 0, "global write lock acquisition timeout, 0 disables the watchdog")
	pflag.Int(global.ConfigKeyMetricsPort, 0, "Prometheus metrics exposure port")
	pflag.String(global.ConfigKeyGenesisDescription, "obylite testnet", "description committed into the genesis identity")
	pflag.Uint32(global.ConfigKeyGenesisTimeUnix, 0, "genesis time, unix seconds")
}

func initConfig() {
	pflag.Parse()
	err := viper.BindPFlags(pflag.CommandLine)
	util.AssertNoError(err)

	viper.SetConfigName("obylite")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	// the config file is optional, every key has a flag default
	_ = viper.ReadInConfig()
}

func newNodeLoggerFromConfig() *zap.SugaredLogger {
	logLevel := zapcore.InfoLevel
	if viper.GetString(global.ConfigKeyLoggerLevel) == "debug" {
		logLevel = zapcore.DebugLevel
	}

	outputStr := viper.GetString(global.ConfigKeyLoggerOutput)
	outputs := strings.Split(outputStr, ",")
	if util.Find(outputs, "stdout") < 0 {
		outputs = append(outputs, "stdout")
	}
	return global.NewLogger("", logLevel, outputs, viper.GetString(global.ConfigKeyLoggerTimeLayout))
}

// witnessesFromConfig the witness list is only consulted when the chain state
// is created from scratch; afterwards the committed identity is the truth
func witnessesFromConfig() []ledger.Address {
	strList := viper.GetStringSlice(global.ConfigKeyWitnesses)
	ret := make([]ledger.Address, 0, len(strList))
	for _, s := range strList {
		addr, err := ledger.AddressFromHexString(strings.TrimSpace(s))
		util.AssertNoError(err, "wrong witness address in the config")
		ret = append(ret, addr)
	}
	return ret
}
