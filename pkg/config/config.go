// Package config defines the durable connection blob exchanged with the host:
// connection settings entered by the user plus the state the extraction
// accumulates (session token, cursors, field orders, table schemas).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kataras/filemaker-extractor/pkg/schema"
)

// Version is the blob layout written by this package.
const Version = 1

// DefaultPageSize applies when PageSize is zero.
const DefaultPageSize = 1000

// Config is the host connection blob.
type Config struct {
	Version     int      `json:"version"`
	Endpoint    string   `json:"endpoint" validate:"required,url"`
	Database    string   `json:"database" validate:"required"`
	Layouts     []string `json:"layouts" validate:"required,min=1,dive,required"`
	Username    string   `json:"username" validate:"required"`
	Password    string   `json:"password" validate:"required"`
	Incremental bool     `json:"incremental"`
	PageSize    int      `json:"pageSize" validate:"gte=0"`

	Token      string                       `json:"token,omitempty"`
	Cursors    map[string]string            `json:"cursors"`
	MetaData   map[string]schema.FieldOrder `json:"metaData" validate:"dive"`
	TableInfos []schema.TableSchema         `json:"tableInfos"`
}

// ConfigurationError reports missing or invalid input values.
type ConfigurationError struct {
	Fields []string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if len(e.Fields) > 0 {
		return "invalid configuration: " + strings.Join(e.Fields, ", ")
	}
	return fmt.Sprintf("invalid configuration: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

var validate = newValidator()

// newValidator reports fields by their blob (json) names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateFieldOrder, schema.FieldOrder{})
	return v
}

// validateFieldOrder rejects persisted field orders that cannot decode a
// record: unknown types or slices of different lengths.
func validateFieldOrder(sl validator.StructLevel) {
	fo := sl.Current().Interface().(schema.FieldOrder)
	if len(fo.FieldTypes) != len(fo.FieldNames) {
		sl.ReportError(fo.FieldTypes, "fieldTypes", "FieldTypes", "len", "")
		return
	}
	for _, t := range fo.FieldTypes {
		if !t.Valid() {
			sl.ReportError(fo.FieldTypes, "fieldTypes", "FieldTypes", "oneof", string(t))
			return
		}
	}
}

// Parse decodes a blob. An empty blob yields a zero configuration of the
// current version; missing maps are initialized. Parse does not validate.
func Parse(data []byte) (*Config, error) {
	c := &Config{Version: Version}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, c); err != nil {
			return nil, &ConfigurationError{Err: fmt.Errorf("decode: %w", err)}
		}
	}
	if c.Version == 0 {
		c.Version = Version
	}
	if c.Version > Version {
		return nil, &ConfigurationError{Err: fmt.Errorf("unsupported version %d", c.Version)}
	}
	c.init()
	return c, nil
}

func (c *Config) init() {
	if c.Cursors == nil {
		c.Cursors = make(map[string]string)
	}
	if c.MetaData == nil {
		c.MetaData = make(map[string]schema.FieldOrder)
	}
}

// Validate checks the connection settings and fails with a
// *ConfigurationError naming every offending field.
func (c *Config) Validate() error {
	if c.Version > Version {
		return &ConfigurationError{Err: fmt.Errorf("unsupported version %d", c.Version)}
	}
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		fields := make([]string, 0, len(ve))
		for _, fe := range ve {
			fields = append(fields, fe.Field())
		}
		return &ConfigurationError{Fields: fields, Err: err}
	}
	return &ConfigurationError{Err: err}
}

// EffectivePageSize returns PageSize or DefaultPageSize when unset.
func (c *Config) EffectivePageSize() int {
	if c.PageSize > 0 {
		return c.PageSize
	}
	return DefaultPageSize
}

// Marshal encodes the blob at the current version.
func (c *Config) Marshal() ([]byte, error) {
	c.Version = Version
	c.init()
	return json.Marshal(c)
}

// SetCursor records the cursor token of layout.
func (c *Config) SetCursor(layout, token string) {
	c.init()
	c.Cursors[layout] = token
}

// SetTable stores the schema of a table and its persisted field order,
// replacing a previous schema for the same layout.
func (c *Config) SetTable(ts schema.TableSchema) {
	c.init()
	c.MetaData[ts.Layout] = ts.Order()
	for i := range c.TableInfos {
		if c.TableInfos[i].Layout == ts.Layout {
			c.TableInfos[i] = ts
			return
		}
	}
	c.TableInfos = append(c.TableInfos, ts)
}

// Table returns the stored schema of layout.
func (c *Config) Table(layout string) (schema.TableSchema, bool) {
	for _, ts := range c.TableInfos {
		if ts.Layout == layout {
			return ts, true
		}
	}
	return schema.TableSchema{}, false
}

// Columns returns the decoding order of layout: the persisted field order
// when present, the data columns of the stored schema otherwise.
func (c *Config) Columns(layout string) ([]schema.Column, bool) {
	if fo, ok := c.MetaData[layout]; ok && len(fo.FieldNames) > 0 {
		return fo.Columns(), true
	}
	if ts, ok := c.Table(layout); ok {
		return ts.DataColumns(), true
	}
	return nil, false
}

// ResetState drops the session token and every cursor, keeping the
// connection settings and schemas. Used by the relogin flow.
func (c *Config) ResetState() {
	c.Token = ""
	c.Cursors = make(map[string]string)
}
