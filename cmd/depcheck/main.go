// Command depcheck probes every backing service the publisher talks to and
// prints one line per check.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/catalog"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/config"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/httpclient"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/db"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/geometry"
	h3mapper "github.com/mohammed-shakir/polygon-layer-publisher/internal/mapper/h3"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/publish/arcgis"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func testPostgres(ctx context.Context, cfg config.Config) error {
	fmt.Println("Postgres test")
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	defer pool.Close()

	var version string
	if err := pool.QueryRow(ctx, "SELECT PostGIS_Version()").Scan(&version); err != nil {
		return fmt.Errorf("postgis version: %w", err)
	}
	fmt.Println("PostGIS version:", version)

	conn, err := db.PgxPool{P: pool}.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()
	tables := catalog.New(cfg.Geometry.PresenceColumn, cfg.Geometry.Schema, nil).Discover(ctx, conn)
	fmt.Printf("tables with %s column: %d %v\n", cfg.Geometry.PresenceColumn, tables.Len(), tables.Names())
	return nil
}

func testRedis(ctx context.Context, addr string) error {
	fmt.Println("Redis test")
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
	})
	defer func() { _ = client.Close() }()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	if err := client.Set(ctx, "depcheck", "ok", 30*time.Second).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	val, err := client.Get(ctx, "depcheck").Result()
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}
	fmt.Println("redis GET depcheck:", val)
	return nil
}

func testKafka(brokers []string, topic string) error {
	fmt.Println("Kafka test")

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Version = sarama.V3_6_0_0
	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	consumer, err := sarama.NewConsumer(brokers, cfg)
	if err != nil {
		return fmt.Errorf("consumer create: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	pc, err := consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("consume partition: %w", err)
	}
	defer func() { _ = pc.Close() }()

	payload, _ := json.Marshal(map[string]any{
		"probe": "depcheck",
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
	})
	if _, _, err := prod.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Partition: 0,
		Value:     sarama.ByteEncoder(payload),
	}); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	fmt.Println("produced one message")

	select {
	case m := <-pc.Messages():
		fmt.Println("consumed:", string(m.Value))
	case <-time.After(5 * time.Second):
		fmt.Println("no message consumed (timeout)")
	}
	return nil
}

func testPortal(ctx context.Context, cfg config.ArcGISCfg) error {
	fmt.Println("Portal test")
	if !cfg.HasCredentials() {
		fmt.Println("credentials not set, skipping")
		return nil
	}
	hc := httpclient.NewRetrying(httpclient.RetryConfig{RetryMax: 1, Timeout: cfg.Timeout}, nil)
	c := arcgis.New(arcgis.Config{
		PortalURL: cfg.PortalURL,
		Username:  cfg.Username,
		Password:  cfg.Password,
		TokenTTL:  5 * time.Minute,
	}, hc, nil)
	if _, err := c.Token(ctx); err != nil {
		return fmt.Errorf("token: %w", err)
	}
	fmt.Println("token ok for", cfg.Username)
	return nil
}

func demoH3(res int) error {
	fmt.Println("H3 demo")
	poly, err := geometry.ParsePolygon([]byte(`{"type":"Polygon","coordinates":[[[18.05,59.32],[18.09,59.32],[18.09,59.34],[18.05,59.34],[18.05,59.32]]]}`))
	if err != nil {
		return err
	}
	m := h3mapper.New()
	cell, err := m.CellForPolygon(poly, res)
	if err != nil {
		return err
	}
	cells, err := m.CellsForPolygon(poly, res)
	if err != nil {
		return err
	}
	fmt.Printf("H3 centroid cell: %s, covering cells: %d\n", cell, len(cells))
	return nil
}

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := false
	check := func(name string, err error) {
		if err != nil {
			fmt.Printf("%s error: %v\n", name, err)
			failed = true
		}
	}

	check("Postgres", testPostgres(ctx, cfg))
	check("Redis", testRedis(ctx, cfg.Cache.RedisAddr))
	check("Kafka", testKafka(cfg.Events.BrokerList(), getenv("DEPCHECK_TOPIC", "depcheck")))
	check("Portal", testPortal(ctx, cfg.ArcGIS))
	check("H3", demoH3(cfg.Events.H3Res))

	if failed {
		os.Exit(1)
	}
	fmt.Println("All checks completed")
}
