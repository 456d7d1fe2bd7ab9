package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/xenking/kastoma-checkout/internal/domain/coupon"
)

const (
	colCode = iota
	colName
	colType
	colValue
	colMinimum
	colMaximum
	colUsageLimit
	colValidUntil
)

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// streamRecords calls fn for every CSV record of path, decompressing .gz
// files. Blank lines and lines starting with # are ignored, as is a header
// row whose first field is "code".
func streamRecords(ctx context.Context, path string, fn func(line int, fields []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = bufio.NewReaderSize(f, 1<<20)
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return errors.Wrapf(err, "create gzip reader for %s", path)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		line, _ := cr.FieldPos(0)
		if line == 1 && strings.EqualFold(strings.TrimSpace(fields[0]), "code") {
			continue
		}
		if len(fields) < colValue+1 {
			return errors.Errorf("%s:%d: want at least %d fields, got %d", path, line, colValue+1, len(fields))
		}
		if err := fn(line, fields); err != nil {
			return err
		}
	}
}

// parseRecord builds a coupon from one CSV record. Imported coupons are
// active from now on.
func parseRecord(fields []string, now time.Time) (coupon.Coupon, error) {
	get := func(i int) string {
		if i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}

	c := coupon.Coupon{
		Code:         normalizeCode(get(colCode)),
		Name:         get(colName),
		DiscountType: coupon.DiscountType(strings.ToLower(get(colType))),
		IsActive:     true,
		ValidFrom:    now,
	}
	if c.Code == "" {
		return c, errors.New("empty code")
	}
	if len(c.Code) > 50 {
		return c, errors.Errorf("code %q longer than 50 characters", c.Code)
	}
	if !c.DiscountType.Valid() {
		return c, errors.Errorf("code %s: unknown discount type %q", c.Code, get(colType))
	}

	value, err := decimal.NewFromString(get(colValue))
	if err != nil {
		return c, errors.Wrapf(err, "code %s: discount value", c.Code)
	}
	if !value.IsPositive() {
		return c, errors.Errorf("code %s: discount value must be positive", c.Code)
	}
	if c.DiscountType == coupon.DiscountPercentage && value.GreaterThan(decimal.NewFromInt(100)) {
		return c, errors.Errorf("code %s: percentage above 100", c.Code)
	}
	c.DiscountValue = value

	if c.MinimumOrderAmount, err = optionalDecimal(get(colMinimum)); err != nil {
		return c, errors.Wrapf(err, "code %s: minimum order amount", c.Code)
	}
	if c.MaximumDiscountAmount, err = optionalDecimal(get(colMaximum)); err != nil {
		return c, errors.Wrapf(err, "code %s: maximum discount amount", c.Code)
	}

	if s := get(colUsageLimit); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			return c, errors.Errorf("code %s: usage limit %q", c.Code, s)
		}
		c.UsageLimit = &limit
	}

	if s := get(colValidUntil); s != "" {
		until, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return c, errors.Wrapf(err, "code %s: valid until", c.Code)
		}
		// Valid through the whole day.
		until = until.Add(24*time.Hour - time.Nanosecond)
		c.ValidUntil = &until
	}

	return c, nil
}

func optionalDecimal(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	if d.IsNegative() {
		return decimal.NullDecimal{}, errors.Errorf("%s is negative", s)
	}
	return decimal.NewNullDecimal(d), nil
}
