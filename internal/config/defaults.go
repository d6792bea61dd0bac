package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults registers every key so AutomaticEnv can override it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("lock.addrs", []string{})
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.retry_count", 10)
	v.SetDefault("lock.retry_delay", 200*time.Millisecond)
	v.SetDefault("lock.retry_jitter", 200*time.Millisecond)
	v.SetDefault("lock.drift_factor", 0.01)

	v.SetDefault("record.ttl", 24*time.Hour)
	v.SetDefault("record.max_attempts", 5)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 2*time.Second)
	v.SetDefault("retry.attempt_timeout", 60*time.Second)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", 60*time.Second) // LLM breaker: 5 errors = 1 min block

	v.SetDefault("governance.max_daily_generations", 50)
	v.SetDefault("governance.max_monthly_tokens", 5_000_000)
	v.SetDefault("governance.dev_bypass", false)
	v.SetDefault("governance.cost_per_1k_tokens", 0.0007)

	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.dsn", "file:multiagent-ledger.db?_pragma=busy_timeout(5000)")

	v.SetDefault("llm.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "llama-3.3-70b-versatile")
	v.SetDefault("llm.validator_model", "llama-3.1-8b-instant")
	v.SetDefault("llm.requests_per_second", 2.0)
	v.SetDefault("llm.timeout", 55*time.Second)

	v.SetDefault("worker.concurrency", 5)
	v.SetDefault("worker.lock_duration", time.Minute)
	v.SetDefault("worker.reconcile_interval", time.Hour)

	v.SetDefault("queue.name", "project-generation-v1")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff", 5*time.Second)

	v.SetDefault("progress.state_ttl", time.Hour)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}
