package global

const (
	ChainStateDBName = "obylitedb"

	ConfigKeyChainStateDBName    = "chainstate.name"
	ConfigKeyWitnesses           = "consensus.witnesses"
	ConfigKeyWitnessQuorum       = "consensus.witness_quorum"
	ConfigKeyMaxMCIsPerTrigger   = "stability.max_mcis_per_trigger"
	ConfigKeyPrunerTTLSec        = "pruner.ttl_sec"
	ConfigKeyMetricsPort         = "metrics.port"
	ConfigKeyLoggerLevel         = "logger.level"
	ConfigKeyLoggerOutput        = "logger.output"
	ConfigKeyLoggerTimeLayout    = "logger.timelayout"
	ConfigKeyTraceTags           = "trace_tags"
	ConfigKeyGenesisDescription  = "genesis.description"
	ConfigKeyGenesisTimeUnix     = "genesis.time_unix"
	ConfigKeyWriteLockTimeoutSec = "dag.write_lock_timeout_sec"

	TraceTagGlobal = "global"
)
