package resourcemanager

// application is the Application implementation shared by the backends.
type application struct {
	id string
	kv KeyValueStore
}

// NewApplication returns an Application with the given identifier whose key-value store is kv.
func NewApplication(id string, kv KeyValueStore) Application {
	return &application{id: id, kv: kv}
}

func (a *application) ID() string {
	return a.id
}

func (a *application) KV() KeyValueStore {
	return a.kv
}
