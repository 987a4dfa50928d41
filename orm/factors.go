package orm

import (
	"context"
	"fmt"
	"strings"

	"github.com/freemoses/tpro/core"
	"github.com/freemoses/tpro/errs"
)

func scanFactor(f *Factor) []any {
	return []any{&f.TS, &f.Close, &f.TurnoverRate, &f.AdjFactor, &f.PE, &f.PETTM,
		&f.PB, &f.PS, &f.PSTTM, &f.TotalShare, &f.FloatShare, &f.TotalMV, &f.FloatMV}
}

// LastFactor returns the newest stored factor row for an instrument, nil when none.
func LastFactor(ctx context.Context, sid int32) (*Factor, *errs.Error) {
	sqlStr := "select ts,close,turnover_rate,adj_factor,pe,pe_ttm,pb,ps,ps_ttm," +
		"total_share,float_share,total_mv,float_mv from factor_1d where sid=$1 order by ts desc limit 1"
	rows, err_ := pool.Query(ctx, sqlStr, sid)
	if err_ != nil {
		return nil, NewDbErr(core.ErrDbReadFail, err_)
	}
	items, err_ := mapToItems(rows, scanFactor)
	if err_ != nil {
		return nil, NewDbErr(core.ErrDbReadFail, err_)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

/*
InsertFactors writes daily factor rows for one instrument. Same append-only
contract as InsertBars: rows ascending, strictly newer than the stored tail.
*/
func InsertFactors(ctx context.Context, sid int32, facs []*Factor) (int64, *errs.Error) {
	if len(facs) == 0 {
		return 0, nil
	}
	var total int64
	for start := 0; start < len(facs); start += barBatchSize {
		end := min(start+barBatchSize, len(facs))
		chunk := facs[start:end]
		var b strings.Builder
		b.WriteString(fmt.Sprintf("insert into factor_1d (%s) values ", facCols))
		args := make([]any, 0, len(chunk)*14)
		for i, f := range chunk {
			vals := []any{sid, f.TS, f.Close, f.TurnoverRate, f.AdjFactor, f.PE, f.PETTM,
				f.PB, f.PS, f.PSTTM, f.TotalShare, f.FloatShare, f.TotalMV, f.FloatMV}
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(")
			for j := range vals {
				if j > 0 {
					b.WriteString(",")
				}
				b.WriteString(fmt.Sprintf("$%d", len(args)+j+1))
			}
			b.WriteString(")")
			args = append(args, vals...)
		}
		ret, err_ := pool.Exec(ctx, b.String(), args...)
		if err_ != nil {
			return total, NewDbErr(core.ErrDbExecFail, err_)
		}
		total += ret.RowsAffected()
	}
	if err := expandBarRange(core.DataFactor, sid, facs[0].TS, facs[len(facs)-1].TS); err != nil {
		return total, err
	}
	return total, nil
}
