package orm

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/freemoses/tpro/btime"
	"github.com/freemoses/tpro/core"
	"github.com/freemoses/tpro/errs"
)

// GuiRec is one user-managed record behind the desk UI: a strategy definition
// or a broker account. Body is an opaque JSON document the UI round-trips.
type GuiRec struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Broker   string `json:"broker,omitempty"`
	Body     string `json:"body"`
	CreateAt int64  `json:"create_at"`
	UpdateAt int64  `json:"update_at"`
}

const (
	GuiStrategy = "strategies"
	GuiAccount  = "accounts"
)

func guiTable(coll string) (string, *errs.Error) {
	switch coll {
	case GuiStrategy, GuiAccount:
		return coll, nil
	}
	return "", errs.NewMsg(core.ErrRunTime, "unknown collection: %s", coll)
}

func ListGuiRecs(coll string) ([]*GuiRec, *errs.Error) {
	tbl, err := guiTable(coll)
	if err != nil {
		return nil, err
	}
	metaLock.Lock()
	defer metaLock.Unlock()
	rows, err_ := metaDB.Query("select id,name,broker,body,create_at,update_at from " + tbl + " order by create_at")
	if err_ != nil {
		return nil, errs.New(core.ErrDbReadFail, err_)
	}
	defer rows.Close()
	var items []*GuiRec
	for rows.Next() {
		it := &GuiRec{}
		if err_ = rows.Scan(&it.ID, &it.Name, &it.Broker, &it.Body, &it.CreateAt, &it.UpdateAt); err_ != nil {
			return nil, errs.New(core.ErrDbReadFail, err_)
		}
		items = append(items, it)
	}
	if err_ = rows.Err(); err_ != nil {
		return nil, errs.New(core.ErrDbReadFail, err_)
	}
	return items, nil
}

func GetGuiRec(coll, id string) (*GuiRec, *errs.Error) {
	tbl, err := guiTable(coll)
	if err != nil {
		return nil, err
	}
	metaLock.Lock()
	defer metaLock.Unlock()
	it := &GuiRec{}
	err_ := metaDB.QueryRow("select id,name,broker,body,create_at,update_at from "+tbl+" where id=?", id).
		Scan(&it.ID, &it.Name, &it.Broker, &it.Body, &it.CreateAt, &it.UpdateAt)
	if err_ != nil {
		if errors.Is(err_, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errs.New(core.ErrDbReadFail, err_)
	}
	return it, nil
}

// SaveGuiRec inserts a record (assigning an id when empty) or updates it in place.
func SaveGuiRec(coll string, rec *GuiRec) *errs.Error {
	tbl, err := guiTable(coll)
	if err != nil {
		return err
	}
	now := btime.TimeMS()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
		rec.CreateAt = now
	}
	rec.UpdateAt = now
	metaLock.Lock()
	defer metaLock.Unlock()
	_, err_ := metaDB.Exec(`insert into `+tbl+` (id,name,broker,body,create_at,update_at) values (?,?,?,?,?,?)
		on conflict(id) do update set name=excluded.name, broker=excluded.broker,
		body=excluded.body, update_at=excluded.update_at`,
		rec.ID, rec.Name, rec.Broker, rec.Body, rec.CreateAt, rec.UpdateAt)
	if err_ != nil {
		return errs.New(core.ErrDbExecFail, err_)
	}
	return nil
}

func DelGuiRec(coll, id string) *errs.Error {
	tbl, err := guiTable(coll)
	if err != nil {
		return err
	}
	metaLock.Lock()
	defer metaLock.Unlock()
	if _, err_ := metaDB.Exec("delete from "+tbl+" where id=?", id); err_ != nil {
		return errs.New(core.ErrDbExecFail, err_)
	}
	return nil
}
