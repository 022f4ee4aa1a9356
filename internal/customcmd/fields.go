package customcmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/example/valkey-loadgen/internal/kvclient"
)

func init() {
	Register("fields", newFieldsCapability)
}

// fieldsCapability is the built-in shipped capability, grounded on
// sample_custom_commands.py's CustomCommands class: it interprets
// operation/batch_size/key_prefix args and writes one of set, mset or hset
// bodies with realistic synthetic field values, keyed by uuid.
type fieldsCapability struct {
	operation string
	batchSize int
	keyPrefix string
	faker     *gofakeit.Faker
}

func newFieldsCapability(args string) (Capability, error) {
	params := parseArgs(args)

	operation := params["operation"]
	if operation == "" {
		operation = "set"
	}
	switch operation {
	case "set", "mset", "hset":
	default:
		return nil, fmt.Errorf("customcmd: fields: unknown operation %q (want set, mset or hset)", operation)
	}

	batchSize := 1
	if raw, ok := params["batch_size"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("customcmd: fields: invalid batch_size %q", raw)
		}
		batchSize = n
	}

	keyPrefix := params["key_prefix"]
	if keyPrefix == "" {
		keyPrefix = "custom"
	}

	return &fieldsCapability{
		operation: operation,
		batchSize: batchSize,
		keyPrefix: keyPrefix,
		faker:     gofakeit.New(0),
	}, nil
}

func (c *fieldsCapability) Execute(ctx context.Context, client *kvclient.Client) (bool, error) {
	switch c.operation {
	case "set":
		return c.executeSet(client)
	case "mset":
		return c.executeMSet(client)
	case "hset":
		return c.executeHSet(client)
	default:
		return false, fmt.Errorf("customcmd: fields: unknown operation %q", c.operation)
	}
}

func (c *fieldsCapability) executeSet(client *kvclient.Client) (bool, error) {
	for i := 0; i < c.batchSize; i++ {
		key := fmt.Sprintf("%s:%s", c.keyPrefix, uuid.NewString())
		value := c.faker.Sentence(5)
		if err := client.Set(key, value); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (c *fieldsCapability) executeMSet(client *kvclient.Client) (bool, error) {
	kv := make(map[string]string, c.batchSize)
	for i := 0; i < c.batchSize; i++ {
		key := fmt.Sprintf("%s:%s", c.keyPrefix, uuid.NewString())
		kv[key] = c.faker.Sentence(5)
	}
	if err := client.MSet(kv); err != nil {
		return false, err
	}
	return true, nil
}

func (c *fieldsCapability) executeHSet(client *kvclient.Client) (bool, error) {
	for i := 0; i < c.batchSize; i++ {
		key := fmt.Sprintf("%s:%s", c.keyPrefix, uuid.NewString())
		fields := randomFields(c.faker, nil)
		if err := client.HSet(key, fields); err != nil {
			return false, err
		}
	}
	return true, nil
}
