package trade

var WriteEngineError = writeEngineError
