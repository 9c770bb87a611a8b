package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "threatecho"
)

const (
	// RedisKeyLogQueue - список готовых записей лога (RPUSH в хвост, чтение с головы).
	RedisKeyLogQueue = RedisNamespace + ":logs:queue"
	// RedisKeyLockDispatcher - блокировка цикла суммаризации (один цикл на кластер).
	RedisKeyLockDispatcher = RedisNamespace + ":lock:dispatcher"
)

const (
	// RedisChanControl - канал команд: "dispatch", "fetch:<source>", "fetch:*".
	RedisChanControl = RedisNamespace + ":control"
)
