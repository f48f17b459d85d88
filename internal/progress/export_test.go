package progress

// NewRedisSinkWithClient exposes the client seam to tests.
var NewRedisSinkWithClient = newRedisSinkWithClient

// RedisPublisher exposes the client interface to tests.
type RedisPublisher = redisPublisher
