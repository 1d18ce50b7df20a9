package archive

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/maxiv-kitscontrols/hdbppgw/archive/driver"
)

// Prepared statements run faster since they are pre-parsed and cached on
// the database nodes; only the arguments travel per query. Everything the
// connector ever asks is prepared once per session here.
const (
	cqlAttributes = "SELECT cs_name, domain, family, member, name FROM att_names"

	// att_conf links an attribute name to its id and data type, which
	// together locate its rows
	cqlConfig = "SELECT cs_name, att_name, att_conf_id, data_type FROM att_conf"

	// attribute parameters (properties), newest row before a given time
	cqlParameter       = "SELECT * FROM att_parameter WHERE att_conf_id = ? AND recv_time < ? ORDER BY recv_time DESC LIMIT 1"
	cqlLatestParameter = "SELECT * FROM att_parameter WHERE att_conf_id = ? ORDER BY recv_time DESC LIMIT 1"

	// archiving event history (add/remove/start/stop/pause...); no point
	// displaying more than a handful of events for a bounded window
	cqlHistory    = "SELECT time, time_us, event FROM att_history WHERE att_conf_id = ? AND time > ? AND time < ? ORDER BY time LIMIT 10"
	cqlAllHistory = "SELECT time, time_us, event FROM att_history WHERE att_conf_id = ? ORDER BY time"

	cqlData      = "SELECT data_time, data_time_us, value_r, error_desc FROM att_%s WHERE att_conf_id = ? AND period = ?"
	cqlDataAfter = "SELECT data_time, data_time_us, value_r, error_desc FROM att_%s WHERE att_conf_id = ? AND period = ? AND data_time >= ?"
)

type statements struct {
	attributes      driver.Statement
	config          driver.Statement
	parameter       driver.Statement
	latestParameter driver.Statement
	history         driver.Statement
	allHistory      driver.Statement

	data      map[DataType]driver.Statement
	dataAfter map[DataType]driver.Statement
}

// prepareStatements prepares every read. The metadata statements are
// required; a data type whose statements fail to prepare is logged and
// skipped, and queries against it fail later with ErrUnprepared.
func prepareStatements(ctx context.Context, sess driver.Session, logger log.Logger) (*statements, error) {
	st := &statements{
		data:      make(map[DataType]driver.Statement),
		dataAfter: make(map[DataType]driver.Statement),
	}

	var err error
	if st.attributes, err = sess.Prepare(ctx, cqlAttributes); err != nil {
		return nil, errors.Wrap(err, "preparing attributes statement")
	}
	if st.config, err = sess.Prepare(ctx, cqlConfig); err != nil {
		return nil, errors.Wrap(err, "preparing config statement")
	}
	if st.parameter, err = sess.Prepare(ctx, cqlParameter); err != nil {
		return nil, errors.Wrap(err, "preparing parameter statement")
	}
	if st.latestParameter, err = sess.Prepare(ctx, cqlLatestParameter); err != nil {
		return nil, errors.Wrap(err, "preparing latest parameter statement")
	}
	if st.history, err = sess.Prepare(ctx, cqlHistory); err != nil {
		return nil, errors.Wrap(err, "preparing history statement")
	}
	if st.allHistory, err = sess.Prepare(ctx, cqlAllHistory); err != nil {
		return nil, errors.Wrap(err, "preparing all history statement")
	}

	for _, dt := range DataTypes {
		if !dt.HasConverter() {
			level.Warn(logger).Log("msg", "skipping data type without a value converter", "data_type", dt)
			continue
		}

		data, err := sess.Prepare(ctx, fmt.Sprintf(cqlData, dt))
		if err != nil {
			level.Warn(logger).Log("msg", "error preparing data statement", "data_type", dt, "err", err)
			continue
		}
		after, err := sess.Prepare(ctx, fmt.Sprintf(cqlDataAfter, dt))
		if err != nil {
			level.Warn(logger).Log("msg", "error preparing data_after statement", "data_type", dt, "err", err)
			continue
		}
		st.data[dt] = data
		st.dataAfter[dt] = after
	}

	return st, nil
}
