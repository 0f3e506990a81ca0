package env_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/sethvargo/go-envconfig"

	"github.com/luma/sngate/internal/env"
)

var _ = Describe("Config", func() {
	ctx := context.Background()

	It("has defaults for everything", func() {
		config, err := env.LoadConfigWith(ctx, envconfig.MapLookuper(map[string]string{}))
		Expect(err).NotTo(HaveOccurred())

		Expect(config.ListenAddr()).To(Equal("0.0.0.0:1883"))
		Expect(config.BrokerAddr()).To(Equal("127.0.0.1:1883"))
		Expect(config.HTTPPort).To(Equal("7362"))
		Expect(config.LogLevel).To(Equal("info"))
		Expect(config.Reuseport).To(BeTrue())
		Expect(config.CleanupInterval).To(Equal(10 * time.Second))
		Expect(config.ConnectTimeout).To(Equal(30 * time.Second))
		Expect(config.InboundRate).To(BeZero())
		Expect(config.InboundBurst).To(Equal(100))
	})

	It("reads the environment", func() {
		config, err := env.LoadConfigWith(ctx, envconfig.MapLookuper(map[string]string{
			"SNGATE_PORT":              "10000",
			"SNGATE_BROKER_HOST":       "mosquitto",
			"SNGATE_CLEANUP_INTERVAL":  "1m",
			"SNGATE_PREDEFINED_TOPICS": "1:config/all,20:alerts",
		}))
		Expect(err).NotTo(HaveOccurred())

		Expect(config.ListenAddr()).To(Equal("0.0.0.0:10000"))
		Expect(config.BrokerAddr()).To(Equal("mosquitto:1883"))
		Expect(config.CleanupInterval).To(Equal(time.Minute))

		topics, err := config.Predefined()
		Expect(err).NotTo(HaveOccurred())
		Expect(topics).To(Equal(map[uint16]string{1: "config/all", 20: "alerts"}))
	})

	It("reports every invalid setting", func() {
		_, err := env.LoadConfigWith(ctx, envconfig.MapLookuper(map[string]string{
			"SNGATE_BROKER_PORT":       "0",
			"SNGATE_CLEANUP_INTERVAL":  "0s",
			"SNGATE_PREDEFINED_TOPICS": "0:reserved",
		}))

		Expect(err).To(MatchError(ContainSubstring("SNGATE_BROKER_PORT")))
		Expect(err).To(MatchError(ContainSubstring("SNGATE_CLEANUP_INTERVAL")))
		Expect(err).To(MatchError(ContainSubstring("reserved")))
	})

	It("rejects topic ids that are not numbers", func() {
		_, err := env.LoadConfigWith(ctx, envconfig.MapLookuper(map[string]string{
			"SNGATE_PREDEFINED_TOPICS": "alerts:alerts",
		}))

		Expect(err).To(MatchError(ContainSubstring(`invalid topic id "alerts"`)))
	})
})

var _ = Describe("MakeLogger", func() {
	It("builds a logger at the requested level", func() {
		log, err := env.MakeLogger("warn", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(log.Core().Enabled(-1)).To(BeFalse())
	})

	It("rejects unknown levels", func() {
		_, err := env.MakeLogger("loud", false)
		Expect(err).To(MatchError(ContainSubstring(`invalid log level "loud"`)))
	})
})
