package mongo

import (
	"time"

	"github.com/heyfey/vodabatch/config"
	"github.com/heyfey/vodabatch/pkg/decision"
	"github.com/pkg/errors"
	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"
	"k8s.io/klog/v2"
)

const dialTimeout = 10 * time.Second

// ConnectMongo connects to a mongo session.
// It returns a pointer to the session, or an error if the connection attempt fails.
func ConnectMongo(mongoURI string) (*mgo.Session, error) {
	session, err := mgo.DialWithTimeout(mongoURI, dialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to mongodb %s", mongoURI)
	}
	klog.InfoS("Connected to mongodb", "mongoURI", mongoURI)
	return session, nil
}

// Recorder stores every published decision as a decision.Record document.
type Recorder struct {
	session    *mgo.Session
	database   string
	collection string
}

// NewRecorder creates a recorder writing to the default decisions
// collection. The session is cloned for every write.
func NewRecorder(session *mgo.Session) (*Recorder, error) {
	if session == nil {
		return nil, errors.New("a mongo session is required")
	}
	return &Recorder{
		session:    session,
		database:   config.DatabaseDecisions,
		collection: config.CollectionDecisions,
	}, nil
}

// Publish inserts the decisions of a round.
func (r *Recorder) Publish(round int, decisions []decision.Decision) error {
	docs := records(round, decisions)
	if len(docs) == 0 {
		return nil
	}

	sess := r.session.Clone()
	defer sess.Close()

	c := sess.DB(r.database).C(r.collection)
	if err := c.Insert(docs...); err != nil {
		klog.ErrorS(err, "Failed to insert record to mongo", "database", r.database, "collection", r.collection, "round", round)
		return errors.Wrapf(err, "failed to record decisions of round %d", round)
	}
	klog.V(4).InfoS("Recorded decisions", "round", round, "decisions", len(docs))
	return nil
}

// Round returns the recorded decisions of a round.
func (r *Recorder) Round(round int) ([]decision.Record, error) {
	sess := r.session.Clone()
	defer sess.Close()

	var result []decision.Record
	c := sess.DB(r.database).C(r.collection)
	if err := c.Find(bson.M{"round": round}).All(&result); err != nil {
		return nil, errors.Wrapf(err, "failed to find decisions of round %d", round)
	}
	return result, nil
}

func records(round int, decisions []decision.Decision) []interface{} {
	docs := make([]interface{}, 0, len(decisions))
	for _, d := range decisions {
		docs = append(docs, decision.Record{Round: round, Decision: d})
	}
	return docs
}
