package config

type WorkerKeyStruct struct {
	PersistWarningsQueue string
	PersistTimersQueue   string
}

var WorkerKey = &WorkerKeyStruct{
	PersistWarningsQueue: "persist_warnings_queue",
	PersistTimersQueue:   "persist_timers_queue",
}
